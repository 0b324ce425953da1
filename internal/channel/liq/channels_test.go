package liq

import (
	"context"
	"testing"
	"time"

	"liqflow/internal/models"
)

func TestChannels_SendRaw(t *testing.T) {
	ch := NewChannels(1, 0)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := models.RawLiquidationMessage{Source: "binance", Symbol: "BTCUSDT", Data: []byte("{}")}
	if !ch.SendRaw(ctx, msg) {
		t.Fatalf("expected send to succeed")
	}
	if stats := ch.GetStats(); stats.RawSent != 1 || stats.RawLen != 1 {
		t.Fatalf("unexpected stats after first send: %+v", stats)
	}

	// a full buffer blocks until the consumer makes room
	done := make(chan bool, 1)
	go func() { done <- ch.SendRaw(ctx, msg) }()

	time.Sleep(20 * time.Millisecond)
	<-ch.Raw
	if ok := <-done; !ok {
		t.Fatalf("expected blocked send to be delivered")
	}
	stats := ch.GetStats()
	if stats.RawWaits != 1 || stats.RawSent != 2 {
		t.Fatalf("expected one wait and two sends, got %+v", stats)
	}
}

func TestChannels_SendRawHonoursContext(t *testing.T) {
	ch := NewChannels(1, 0)
	defer ch.Close()

	msg := models.RawLiquidationMessage{Source: "okx"}
	if !ch.SendRaw(context.Background(), msg) {
		t.Fatal("expected first send to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ch.SendRaw(ctx, msg) {
		t.Fatal("expected send to give up when the context ends")
	}
}

func TestChannels_SendArchive(t *testing.T) {
	disabled := NewChannels(1, 0)
	defer disabled.Close()
	if disabled.SendArchive(models.ArchivedLiquidation{}) {
		t.Fatal("expected send to fail without archive channel")
	}

	ch := NewChannels(1, 1)
	defer ch.Close()
	if !ch.SendArchive(models.ArchivedLiquidation{Source: "bybit"}) {
		t.Fatal("expected archive send to succeed")
	}
	if ch.SendArchive(models.ArchivedLiquidation{Source: "bybit"}) {
		t.Fatal("expected archive send to drop when full")
	}
	if stats := ch.GetStats(); stats.ArchiveDropped != 1 || stats.ArchiveSent != 1 {
		t.Fatalf("unexpected archive stats: %+v", stats)
	}
}

func TestChannels_CloseIsIdempotent(t *testing.T) {
	ch := NewChannels(1, 1)
	ch.Close()
	ch.Close()
	if _, ok := <-ch.Raw; ok {
		t.Fatal("expected raw channel to be closed")
	}
}
