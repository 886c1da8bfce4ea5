package chain

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestEthRequiresURL(t *testing.T) {
	c := NewClient(Options{Network: "flare"}, zerolog.Nop())
	if _, err := c.Eth(context.Background()); err == nil {
		t.Fatal("missing rpc url should error")
	}
}

func TestHashStringIsDeterministic(t *testing.T) {
	a := HashString("FLR/USD")
	b := HashString("FLR/USD")
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if a == HashString("BTC/USD") {
		t.Fatal("different feeds must hash differently")
	}
	// keccak256("") is a well-known constant.
	if HashString("").Hex() != "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470" {
		t.Fatalf("unexpected empty hash %s", HashString("").Hex())
	}
}

func TestIsZeroAddress(t *testing.T) {
	if !IsZeroAddress("") || !IsZeroAddress("0x0000000000000000000000000000000000000000") {
		t.Fatal("empty and zero addresses should be zero")
	}
	if IsZeroAddress("0x1000000000000000000000000000000000000000") {
		t.Fatal("non-zero address misclassified")
	}
}

func TestNewTransactorValidatesKey(t *testing.T) {
	c := NewClient(Options{}, zerolog.Nop())
	if _, err := NewTransactor(c, "", 14); err == nil {
		t.Fatal("empty key should error")
	}
	if _, err := NewTransactor(c, "zz", 14); err == nil {
		t.Fatal("invalid key should error")
	}
	tr, err := NewTransactor(c, "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", 14)
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if tr.From().Hex() != "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23" {
		t.Fatalf("unexpected sender %s", tr.From().Hex())
	}
}
