package cognition

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStaticProvider("static"))

	if p, ok := r.Lookup("static"); !ok || p.Name() != "static" {
		t.Errorf("Lookup(static) = %v, %v", p, ok)
	}
	if _, ok := r.Lookup("unknown"); ok {
		t.Error("unknown provider resolved")
	}
	if _, ok := r.Lookup(None); ok {
		t.Error("none resolved to a provider; it must short-circuit")
	}
}

func TestStaticEstimateCost(t *testing.T) {
	p := NewStaticProvider("static")

	small := Request{Payload: map[string]interface{}{"m": "hi"}}
	if got := p.EstimateCost(small); got != p.Floor {
		t.Errorf("small payload cost = %d, want floor %d", got, p.Floor)
	}

	big := Request{Payload: map[string]interface{}{"m": strings.Repeat("x", 3*1024)}}
	got := p.EstimateCost(big)
	if got != p.Floor+3*p.CostPerKB {
		t.Errorf("3 KiB payload cost = %d", got)
	}
}

func TestStaticExecutePaused(t *testing.T) {
	p := NewStaticProvider("static")
	p.Paused = true
	_, err := p.Execute(context.Background(), Request{})
	if !errors.Is(err, ErrPaused) {
		t.Errorf("err = %v, want ErrPaused", err)
	}
}

func TestStaticExecuteHonorsCancellation(t *testing.T) {
	p := NewStaticProvider("static")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Execute(ctx, Request{}); err == nil {
		t.Error("cancelled context still executed")
	}
}

func TestStaticExecuteResult(t *testing.T) {
	p := NewStaticProvider("static")
	res, err := p.Execute(context.Background(), Request{Payload: map[string]interface{}{"m": "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ActualCost != p.Floor || res.Provider != "static" {
		t.Errorf("result = %+v", res)
	}
}
