package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestStatusMux(t *testing.T, snap StateSnapshot, sim map[string]*memLine) *http.ServeMux {
	t.Helper()
	hub := newTestHub(t, 4, 4)
	src := staticSnapshots{snap}
	return newStatusMux(NewStateServer(slog.Default(), hub, src), hub, src, sim, slog.Default())
}

func TestStatus_Healthz(t *testing.T) {
	snap := StateSnapshot{PWM: PwmParameters{Top: 10, Compare: 3}, PWMKnown: true, Requests: 7}
	mux := newTestStatusMux(t, snap, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Status    string        `json:"status"`
		Observers int           `json:"observers"`
		State     StateSnapshot `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.State.Requests != 7 || body.State.PWM != snap.PWM {
		t.Fatalf("body=%+v", body)
	}
}

func TestStatus_SimInput(t *testing.T) {
	button := newMemLine("button", false)
	mux := newTestStatusMux(t, StateSnapshot{}, map[string]*memLine{"button": button})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sim/input?line=button&level=1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
	}
	if !button.IsHigh() {
		t.Fatalf("button not driven high")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sim/input?line=nope&level=1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown line status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sim/input?line=button&level=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level status=%d", rec.Code)
	}
}

func TestStatus_SimInputAbsentWithoutSimBackend(t *testing.T) {
	mux := newTestStatusMux(t, StateSnapshot{}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sim/input?line=button&level=1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestOpenHardware_Sim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GPIO.Backend = gpioBackendSim

	hw, err := openHardware(&cfg, slog.Default())
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.Close(slog.Default())

	// Button pulled down rests low; encoder phases pulled up rest high.
	if hw.Button.IsHigh() || !hw.EncoderA.IsHigh() || !hw.EncoderB.IsHigh() {
		t.Fatalf("unexpected resting levels")
	}
	for _, name := range []string{"alarm", "left_eye", "right_eye"} {
		if err := hw.DispatcherOutputs.SetOutput(name, true); err != nil {
			t.Fatalf("SetOutput(%s): %v", name, err)
		}
	}
	if err := hw.DispatcherOutputs.SetOutput(ledLine, true); err == nil {
		t.Fatalf("dispatcher outputs must not include the decoder's led")
	}
	if len(hw.Sim) != 3 {
		t.Fatalf("sim inputs=%d, want 3", len(hw.Sim))
	}
}

func TestMQTTPublisher_Encode(t *testing.T) {
	p := &mqttPublisher{prefix: "alarmbox", logger: slog.Default()}

	tests := []struct {
		ev          stateEvent
		wantTopic   string
		wantPayload string
		wantOK      bool
	}{
		{stateEvent{Type: "pwm_changed", Data: pwmChangedData{Top: 1, Compare: 2, VolumeMode: true}},
			"alarmbox/pwm", `{"top":1,"compare":2,"volume_mode":true}`, true},
		{stateEvent{Type: "mode_changed", Data: modeChangedData{Mode: "range"}}, "alarmbox/mode", "range", true},
		{stateEvent{Type: "outputs_changed", Data: outputsChangedData{Active: false}}, "alarmbox/outputs", "off", true},
		{stateEvent{Type: "request_served", Data: requestServedData{Path: "/on"}}, "", "", false},
	}
	for _, tt := range tests {
		topic, payload, ok := p.encode(tt.ev)
		if ok != tt.wantOK || topic != tt.wantTopic || string(payload) != tt.wantPayload {
			t.Errorf("encode(%s) = (%q, %q, %v), want (%q, %q, %v)",
				tt.ev.Type, topic, payload, ok, tt.wantTopic, tt.wantPayload, tt.wantOK)
		}
	}
}

func TestRunStatusServer_BusyAddressReturnsNil(t *testing.T) {
	occupier, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupier.Close()

	done := make(chan error, 1)
	go func() {
		done <- runStatusServer(context.Background(), occupier.Addr().String(), http.NotFoundHandler(), slog.Default())
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runStatusServer=%v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runStatusServer kept running without a listener")
	}
}

func TestOpenHardware_SimWithoutLED(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GPIO.Backend = gpioBackendSim
	cfg.Decoder.LEDLine = -1

	hw, err := openHardware(&cfg, slog.Default())
	if err != nil {
		t.Fatalf("openHardware: %v", err)
	}
	defer hw.Close(slog.Default())

	if hw.DecoderOutputs != nil {
		t.Fatalf("DecoderOutputs=%v, want nil with led_line=-1", hw.DecoderOutputs)
	}
	if hw.PWM == nil {
		t.Fatalf("PWM missing")
	}
}
