package capture

import (
	"context"
	"testing"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{URL: "http://127.0.0.1:8080/", OutputPath: "out.png"}
	if err := o.withDefaults(); err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	if o.Width != DefaultWidth || o.Height != DefaultHeight || o.Timeout != DefaultTimeout {
		t.Fatalf("defaults not applied: %+v", o)
	}
}

func TestCapturePNGValidates(t *testing.T) {
	if err := CapturePNG(context.Background(), Options{OutputPath: "x.png"}); err == nil {
		t.Fatal("expected error without URL")
	}
	if err := CapturePNG(context.Background(), Options{URL: "http://x"}); err == nil {
		t.Fatal("expected error without output path")
	}
}

func TestHeaderMap(t *testing.T) {
	got := headerMap(map[string]string{"Authorization": "Basic bWU6cHc="})
	if len(got) != 1 || got["Authorization"] != "Basic bWU6cHc=" {
		t.Fatalf("unexpected headers %v", got)
	}
}
