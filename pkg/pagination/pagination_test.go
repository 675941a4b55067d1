package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor(t, "")

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor(t, "?limit=50&offset=10")

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor(t, "?limit=999999")

	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := paramsFor(t, "?limit=abc&offset=-5")

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit for invalid input, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	tests := []struct {
		name string
		p    Params
		want []int
	}{
		{"first page", Params{Limit: 2, Offset: 0}, []int{1, 2}},
		{"middle page", Params{Limit: 2, Offset: 2}, []int{3, 4}},
		{"short last page", Params{Limit: 2, Offset: 4}, []int{5}},
		{"past the end", Params{Limit: 2, Offset: 9}, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Page(items, tt.p)
			if got == nil {
				t.Fatal("expected non-nil slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]int{1, 2}, 5, Params{Limit: 2, Offset: 0})
	if !resp.HasMore {
		t.Error("expected HasMore with 5 total and first page of 2")
	}
	if resp.Total != 5 || resp.Limit != 2 {
		t.Errorf("expected total 5 limit 2, got %d %d", resp.Total, resp.Limit)
	}

	resp = NewResponse([]int{5}, 5, Params{Limit: 2, Offset: 4})
	if resp.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestNextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if got := p.NextOffset(); got != 60 {
		t.Errorf("expected next offset 60, got %d", got)
	}
}
