package topic

import "testing"

func TestIndexInsertMatchDelete(t *testing.T) {
	idx := NewIndex()
	idx.Insert(&Subscription{ClientID: "c1", Filter: "sport/+"})
	idx.Insert(&Subscription{ClientID: "c2", Filter: "sport/#"})
	idx.Insert(&Subscription{ClientID: "c3", Filter: "$share/g1/sport/tennis"})
	idx.Insert(&Subscription{ClientID: "c4", Filter: "$share/g1/sport/tennis"})

	groups := idx.Matching("sport/tennis")
	if len(groups[""]) != 2 {
		t.Fatalf("expected 2 non-shared matches, got %d", len(groups[""]))
	}
	if len(groups["g1"]) != 2 {
		t.Fatalf("expected 2 shared matches in group g1, got %d", len(groups["g1"]))
	}

	if !idx.Delete("c1", "sport/+") {
		t.Fatalf("Delete of existing subscription reported false")
	}
	if idx.Delete("c1", "sport/+") {
		t.Fatalf("Delete of already-removed subscription reported true")
	}

	idx.DeleteClient("c2")
	groups = idx.Matching("sport/tennis")
	if len(groups[""]) != 0 {
		t.Fatalf("expected no non-shared matches after DeleteClient, got %d", len(groups[""]))
	}
}

func TestIndexReplacesExistingSubscription(t *testing.T) {
	idx := NewIndex()
	idx.Insert(&Subscription{ClientID: "c1", Filter: "a/b", MaximumQoS: 0})
	idx.Insert(&Subscription{ClientID: "c1", Filter: "a/b", MaximumQoS: 2})

	groups := idx.Matching("a/b")
	if len(groups[""]) != 1 {
		t.Fatalf("expected exactly one subscription after replace, got %d", len(groups[""]))
	}
	if groups[""][0].MaximumQoS != 2 {
		t.Fatalf("expected replaced subscription to carry MaximumQoS=2, got %d", groups[""][0].MaximumQoS)
	}
}
