package bridge

import (
	"encoding/json"
	"testing"
)

func TestDecodeDataString(t *testing.T) {
	f, err := DecodeData(json.RawMessage(`"a0:\"hi\""`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.Kind != FrameText || f.Text != `a0:"hi"` {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeDataDoneSentinel(t *testing.T) {
	f, err := DecodeData(json.RawMessage(`"[DONE]"`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.Kind != FrameDone {
		t.Fatalf("expected done frame, got %+v", f)
	}
}

func TestDecodeDataFragmentList(t *testing.T) {
	f, err := DecodeData(json.RawMessage(`["a0:\"a\"", "a0:\"b\""]`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.Kind != FrameText || f.Text != `a0:"a"a0:"b"` {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeDataRetryAdvisory(t *testing.T) {
	f, err := DecodeData(json.RawMessage(`{"retry_info": {"attempt": 2, "max_attempts": 5, "reason": "empty_response", "delay": 2000}}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.Kind != FrameRetry || f.Retry == nil || f.Retry.Attempt != 2 || f.Retry.DelayMs != 2000 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeDataErrorObject(t *testing.T) {
	f, err := DecodeData(json.RawMessage(`{"error": "boom", "final_error": true}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.Kind != FrameError || f.ErrMessage != "boom" || !f.Final {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeDataStructuredErrorKeptVerbatim(t *testing.T) {
	f, err := DecodeData(json.RawMessage(`{"error": {"code": 429}}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.Kind != FrameError || f.ErrMessage != `{"code": 429}` {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeDataRejectsGarbage(t *testing.T) {
	if _, err := DecodeData(json.RawMessage(`42`)); err == nil {
		t.Fatal("expected error for unrecognized payload")
	}
}
