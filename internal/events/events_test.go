package events

import (
	"testing"
	"time"
)

func TestDecodeSyscall(t *testing.T) {
	raw := []byte(`{"event_type":"syscall","timestamp_ns":1700000000000000000,"payload":{"pid":42,"comm":"postgres","syscall":"fsync","count":120,"avg_latency_us":12000,"max_latency_us":48000,"error_count":3}}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != KindSyscall {
		t.Fatalf("unexpected kind %q", env.Type)
	}
	if !env.Time().Equal(time.Unix(0, 1700000000000000000)) {
		t.Fatalf("unexpected time %v", env.Time())
	}
	ev, err := env.Syscall()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.PID != 42 || ev.Syscall != "fsync" || ev.AvgLatencyUS != 12000 {
		t.Fatalf("unexpected payload %+v", ev)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"event_type":"cpu_flame","timestamp_ns":1,"payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown event_type")
	}
}

func TestDecodeRejectsMissingTimestamp(t *testing.T) {
	if _, err := Decode([]byte(`{"event_type":"sched","payload":{"pid":1}}`)); err == nil {
		t.Fatal("expected error for missing timestamp")
	}
}

func TestPayloadKindMismatch(t *testing.T) {
	raw := []byte(`{"event_type":"sched","timestamp_ns":5,"payload":{"pid":1,"comm":"a","avg_wait_ms":2}}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := env.System(); err == nil {
		t.Fatal("expected kind mismatch error")
	}
	if _, err := env.Scheduler(); err != nil {
		t.Fatalf("scheduler payload: %v", err)
	}
}
