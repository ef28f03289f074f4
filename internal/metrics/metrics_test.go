package metrics

import (
	"net/http/httptest"
	"testing"
)

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncTx()
	IncRx()
	IncBackendRx("slcan")
	IncError(ErrSend)
	SetRates(12.5, 4)
	SetTransmitJobs(3, 1)
	after := Snap()
	if after.Tx != before.Tx+1 || after.Rx != before.Rx+1 || after.BackendRx != before.BackendRx+1 {
		t.Fatalf("counters not mirrored: before=%+v after=%+v", before, after)
	}
	if after.Errors != before.Errors+1 {
		t.Fatalf("errors not mirrored")
	}
	if after.TxRate != 12.5 || after.RxRate != 4 {
		t.Fatalf("rates not mirrored: %v %v", after.TxRate, after.RxRate)
	}
	if after.TransmitJobs != 3 || after.ActiveJobs != 1 {
		t.Fatalf("job gauges not mirrored: %+v", after)
	}
}

func TestReadiness(t *testing.T) {
	defer SetReadinessFunc(nil)
	if !IsReady() {
		t.Fatalf("unset readiness must report ready")
	}
	ready := false
	SetReadinessFunc(func() bool { return ready })
	if IsReady() {
		t.Fatalf("expected not ready")
	}
	ready = true
	if !IsReady() {
		t.Fatalf("expected ready")
	}
}

func TestStartHTTP_ReadyEndpoint(t *testing.T) {
	defer SetReadinessFunc(nil)
	SetReadinessFunc(func() bool { return false })
	srv := StartHTTP("127.0.0.1:0")
	defer srv.Close()
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503 got %d", rec.Code)
	}
}
