package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	queueMemory "github.com/JakeFAU/catalog-crawler/internal/queue/memory"
)

// ExampleNewServer shows a manual task submission.
func ExampleNewServer() {
	q := queueMemory.NewQueue()
	srv := NewServer(Deps{
		Queue:  q,
		Pool:   &fakePool{queue: q},
		Limits: ratelimit.New(ratelimit.DefaultConfig()),
	}, Config{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"catalog_id":"312"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	fmt.Println(rec.Code)
	// Output:
	// 202
}
