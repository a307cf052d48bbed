package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "/", DefaultLimit, 0},
		{"custom", "/?limit=50&offset=10", 50, 10},
		{"max limit", "/?limit=1000", MaxLimit, 0},
		{"negative offset", "/?offset=-5", DefaultLimit, 0},
		{"garbage", "/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(t, tt.target)
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want limit=%d offset=%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	if got := Page(items, Params{Limit: 2, Offset: 0}); len(got) != 2 || got[0] != 1 {
		t.Errorf("first page = %v", got)
	}
	if got := Page(items, Params{Limit: 2, Offset: 4}); len(got) != 1 || got[0] != 5 {
		t.Errorf("last page = %v", got)
	}
	if got := Page(items, Params{Limit: 2, Offset: 10}); got == nil || len(got) != 0 {
		t.Errorf("past the end = %v, want empty non-nil", got)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if resp.Total != 10 || resp.Limit != 2 || resp.Offset != 0 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore=true")
	}
	if NewResponse(nil, 2, 2, 0).HasMore {
		t.Error("expected HasMore=false on last page")
	}
}
