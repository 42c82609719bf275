package rpc_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/catalogfi/resolver/pkg/rpc"
	"github.com/catalogfi/resolver/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		st      store.Store
		handler http.Handler
	)

	BeforeEach(func() {
		log, err := zap.NewDevelopment()
		Expect(err).To(BeNil())
		dsn := fmt.Sprintf("file:%v?mode=memory&cache=shared", uuid.NewString())
		st, err = store.NewStore(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		Expect(err).To(BeNil())
		handler = rpc.NewServer(st, rpc.Options{Username: "admin", Password: "pass", AllowOrigins: []string{"https://app.example.com"}}, log).Handler()
	})

	post := func(h http.Handler, body string, auth bool) (*httptest.ResponseRecorder, rpc.Response) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if auth {
			req.SetBasicAuth("admin", "pass")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		var resp rpc.Response
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		return rec, resp
	}

	It("should require basic auth", func() {
		rec, _ := post(handler, `{"jsonrpc":"2.0","id":1,"method":"listOrders"}`, false)
		Expect(rec.Code).Should(Equal(http.StatusUnauthorized))

		rec, resp := post(handler, `{"jsonrpc":"2.0","id":1,"method":"listOrders"}`, true)
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(resp.Error).Should(BeNil())
		Expect(string(resp.Result)).Should(Equal("[]"))
	})

	It("should serve without auth when no credentials are configured", func() {
		log, err := zap.NewDevelopment()
		Expect(err).To(BeNil())
		open := rpc.NewServer(st, rpc.Options{}, log).Handler()
		rec, resp := post(open, `{"jsonrpc":"2.0","id":"a","method":"listOrders","params":{"status":"active"}}`, false)
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(resp.ID).Should(Equal("a"))
		Expect(resp.Error).Should(BeNil())
	})

	It("should answer malformed requests with JSON-RPC errors", func() {
		rec, resp := post(handler, `{"jsonrpc":`, true)
		Expect(rec.Code).Should(Equal(http.StatusBadRequest))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeParseError))

		rec, resp = post(handler, `{"jsonrpc":"1.0","id":1,"method":"listOrders"}`, true)
		Expect(rec.Code).Should(Equal(http.StatusBadRequest))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeInvalidRequest))

		rec, resp = post(handler, `{"jsonrpc":"2.0","id":1,"method":"fillOrder"}`, true)
		Expect(rec.Code).Should(Equal(http.StatusNotFound))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeMethodNotFound))

		_, resp = post(handler, `{"jsonrpc":"2.0","id":1,"method":"getOrder"}`, true)
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeInvalidParams))

		_, resp = post(handler, `{"jsonrpc":"2.0","id":1,"method":"getOrder","params":{"orderHash":"0x0000000000000000000000000000000000000000000000000000000000000001"}}`, true)
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeNotFound))
	})

	It("should allow the configured origins", func() {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Authorization,Content-Type")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Code).Should(Equal(http.StatusNoContent))
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).Should(Equal("https://app.example.com"))

		req = httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Header().Get("Access-Control-Allow-Origin")).Should(BeEmpty())
	})

	It("should report its health", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(rec.Body.String()).Should(Equal("online"))
	})

	It("should limit the requests of a client", func() {
		log, err := zap.NewDevelopment()
		Expect(err).To(BeNil())
		limited := rpc.NewServer(st, rpc.Options{RequestsPerMinute: 1, Burst: 2}, log).Handler()
		body := `{"jsonrpc":"2.0","id":1,"method":"listOrders"}`
		for i := 0; i < 2; i++ {
			rec, _ := post(limited, body, false)
			Expect(rec.Code).Should(Equal(http.StatusOK))
		}
		rec, resp := post(limited, body, false)
		Expect(rec.Code).Should(Equal(http.StatusTooManyRequests))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeRateLimited))
	})

	It("should expose the metrics of the gatherer", func() {
		log, err := zap.NewDevelopment()
		Expect(err).To(BeNil())
		registry := prometheus.NewRegistry()
		counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "resolver_test_total", Help: "test"})
		registry.MustRegister(counter)
		counter.Inc()

		rec := httptest.NewRecorder()
		rpc.NewServer(st, rpc.Options{Gatherer: registry}, log).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).Should(Equal(http.StatusOK))
		Expect(rec.Body.String()).Should(ContainSubstring("resolver_test_total 1"))

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).Should(Equal(http.StatusNotFound))
	})
})
