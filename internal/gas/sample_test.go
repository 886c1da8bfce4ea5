package gas

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFromWeiRoundsToTwoDecimals(t *testing.T) {
	wei, _ := new(big.Int).SetString("30123456789", 10)
	s := FromWei(wei, time.Now(), "test")

	if !s.Gwei.Equal(decimal.RequireFromString("30.12")) {
		t.Fatalf("expected 30.12 gwei, got %s", s.Gwei)
	}
	if s.WeiRaw != "30123456789" {
		t.Fatalf("wei should be kept verbatim, got %s", s.WeiRaw)
	}
}

func TestWeiGweiConsistency(t *testing.T) {
	cases := []string{"0", "1", "999999999", "25000000000", "30000000001", "123456789012345"}
	tolerance := decimal.RequireFromString("0.005")
	for _, raw := range cases {
		wei, _ := new(big.Int).SetString(raw, 10)
		s := FromWei(wei, time.Now(), "test")
		exact := decimal.NewFromBigInt(s.Wei(), -9)
		if exact.Sub(s.Gwei).Abs().GreaterThan(tolerance) {
			t.Fatalf("%s: gwei %s drifts from wei %s", raw, s.Gwei, s.WeiRaw)
		}
	}
}

func TestFromGwei(t *testing.T) {
	s := FromGwei(decimal.NewFromInt(25), time.Now(), "default")
	if s.WeiRaw != "25000000000" {
		t.Fatalf("expected 25000000000 wei, got %s", s.WeiRaw)
	}

	s = FromGwei(decimal.RequireFromString("12.3456"), time.Now(), "tracker")
	if s.WeiRaw != "12345600000" {
		t.Fatalf("unexpected wei %s", s.WeiRaw)
	}
	if !s.Gwei.Equal(decimal.RequireFromString("12.35")) {
		t.Fatalf("unexpected gwei %s", s.Gwei)
	}
}

func TestClassifyStatus(t *testing.T) {
	if ClassifyStatus(decimal.NewFromInt(20)) != StatusLow {
		t.Fatal("20 gwei should be LOW")
	}
	if ClassifyStatus(decimal.NewFromInt(21)) != StatusMedium {
		t.Fatal("21 gwei should be MEDIUM")
	}
	if ClassifyStatus(decimal.NewFromInt(41)) != StatusHigh {
		t.Fatal("41 gwei should be HIGH")
	}
}

func TestEstimateCost(t *testing.T) {
	cost := EstimateCost(21000, decimal.NewFromInt(25))
	if !cost.Equal(decimal.RequireFromString("0.000525")) {
		t.Fatalf("unexpected cost %s", cost)
	}
}
