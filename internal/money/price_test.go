package money

import "testing"

func TestPriceValid(t *testing.T) {
	cases := []struct {
		p    Price
		want bool
	}{
		{0, false},
		{1, true},
		{50, true},
		{99, true},
		{100, false},
	}
	for _, c := range cases {
		if got := c.p.Valid(); got != c.want {
			t.Errorf("Price(%d).Valid() = %v, want %v", c.p, got, c.want)
		}
	}
}

func TestMid_BothSides(t *testing.T) {
	bid, ask := Price(29), Price(31)
	mid, ok := Mid(&bid, &ask)
	if !ok || mid != 300 {
		t.Errorf("Mid(29,31) = (%d,%v), want (300,true)", mid, ok)
	}
}

func TestMid_OneSideAbsent(t *testing.T) {
	bid := Price(40)
	mid, ok := Mid(&bid, nil)
	if !ok || mid != 400 {
		t.Errorf("Mid(40,nil) = (%d,%v), want (400,true)", mid, ok)
	}

	ask := Price(60)
	mid, ok = Mid(nil, &ask)
	if !ok || mid != 600 {
		t.Errorf("Mid(nil,60) = (%d,%v), want (600,true)", mid, ok)
	}
}

func TestMid_NeitherSide(t *testing.T) {
	_, ok := Mid(nil, nil)
	if ok {
		t.Error("Mid(nil,nil) should report ok=false")
	}
}

func TestGap(t *testing.T) {
	if g := Gap(300, 600); g != 100 {
		t.Errorf("Gap(300,600) = %d, want 100", g)
	}
	// a crossed or noisy book can push gap negative; Gap must not clamp it.
	if g := Gap(600, 600); g != -200 {
		t.Errorf("Gap(600,600) = %d, want -200", g)
	}
}

func TestTenthsOfAndCents(t *testing.T) {
	if got := TenthsOf(Price(42)); got != 420 {
		t.Errorf("TenthsOf(42) = %d, want 420", got)
	}
	if got := Tenths(455).Cents(); got != 45 {
		t.Errorf("Tenths(455).Cents() = %d, want 45", got)
	}
}
