package main

import (
	"context"
	"net/http"

	"github.com/golang-io/mqttd"
	"github.com/golang-io/mqttd/broker"
	"github.com/golang-io/mqttd/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "mqtt-server",
		Short: "runs an MQTT v3.1.1/v5.0 broker",
		RunE:  run,
	}
	root.Flags().StringVar(&cfgFile, "config", "./config/dev.json", "path to config file")
	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("json")
	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	if err := viper.Unmarshal(mqtt.CONFIG); err != nil {
		return err
	}
	logrus.Infof("config loaded from %s", cfgFile)

	metrics := broker.NewMetrics()
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	hooks := &broker.Hooks{
		Authenticate: func(clientID, username, password string) broker.AuthResult {
			want, ok := mqtt.CONFIG.GetAuth(username)
			if !ok || want != password {
				logrus.Warnf("auth rejected: client_id=%s username=%s", clientID, username)
				return broker.AuthResult{OK: false, Reason: packet.ErrBadUsernameOrPassword}
			}
			return broker.AuthResult{OK: true}
		},
		Metrics: metrics,
	}

	group, ctx := errgroup.WithContext(context.Background())
	s := mqtt.NewServer(ctx, broker.DefaultConfig(), hooks)

	group.Go(func() error {
		if mqtt.CONFIG.MQTT.URL == "" {
			return nil
		}
		logrus.Infof("mqtt listening: %s", mqtt.CONFIG.MQTT.URL)
		return s.ListenAndServe(mqtt.URL(mqtt.CONFIG.MQTT.URL))
	})

	// ca文件: ca.pem, 客户端证书: mqtt.pem, 客户端key文件: mqtt.key
	group.Go(func() error {
		if mqtt.CONFIG.MQTTs.URL == "" {
			return nil
		}
		logrus.Infof("mqtts listening: %s", mqtt.CONFIG.MQTTs.URL)
		return s.ListenAndServeTLS(mqtt.CONFIG.MQTTs.CertFile, mqtt.CONFIG.MQTTs.KeyFile, mqtt.URL(mqtt.CONFIG.MQTTs.URL))
	})
	group.Go(func() error {
		if mqtt.CONFIG.HTTP.URL == "" {
			return nil
		}
		logrus.Infof("metrics listening: %s", mqtt.CONFIG.HTTP.URL)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		return http.ListenAndServe(mqtt.CONFIG.HTTP.URL, mux)
	})
	return group.Wait()
}
