// Package rpc serves the order book of the resolver over JSON-RPC 2.0: makers submit signed orders, disclose their
// secrets and follow the fills of their orders.
package rpc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/catalogfi/resolver/pkg/store"
	"github.com/catalogfi/resolver/pkg/swap"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (err *Error) Error() string {
	if err.Data == "" {
		return err.Message
	}
	return err.Message + ": " + err.Data
}

// Error codes
const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeInvalidRequest    = -32600
	ErrorMessageInvalidRequest = "Invalid Request"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"
	ErrorCodeNotFound          = -32004
	ErrorMessageNotFound       = "Not found"
	ErrorCodeRateLimited       = -32005
	ErrorMessageRateLimited    = "Rate limit exceeded"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{
		Version: "2.0",
		ID:      id,
		Result:  result,
		Error:   err,
	}
}

func NewError(code int, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// toError maps the error of a method to its JSON-RPC error.
func toError(err error) *Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NewError(ErrorCodeNotFound, ErrorMessageNotFound, err.Error())
	case errors.Is(err, swap.ErrValidation), errors.Is(err, swap.ErrProofVerification):
		return NewError(ErrorCodeInvalidParams, ErrorMessageInvalidParams, err.Error())
	default:
		return NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())
	}
}

// Method is a JSON-RPC method of the server.
type Method interface {
	Name() string
	Query(ctx context.Context, params json.RawMessage) (interface{}, error)
}

type Options struct {
	// Username and Password enable basic auth when set.
	Username string
	Password string

	// AllowOrigins are the origins allowed by CORS, empty allows all origins.
	AllowOrigins []string

	// RequestsPerMinute limits the JSON-RPC requests of every client IP, zero disables the limit.
	RequestsPerMinute float64
	Burst             int

	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
}

type Server struct {
	logger  *zap.Logger
	methods map[string]Method
	authsha *[sha256.Size]byte
	engine  *gin.Engine
}

// NewServer returns a server exposing the order methods backed by the store.
func NewServer(storage store.Store, options Options, logger *zap.Logger) *Server {
	server := &Server{
		logger:  logger.With(zap.String("service", "rpc")),
		methods: map[string]Method{},
	}
	if options.Username != "" || options.Password != "" {
		auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(options.Username+":"+options.Password))
		authsha := sha256.Sum256([]byte(auth))
		server.authsha = &authsha
	}
	for _, method := range Methods(storage) {
		server.AddMethod(method)
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	if len(options.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = options.AllowOrigins
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), cors.New(corsConfig))
	engine.GET("/health", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "online")
	})
	if options.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{})))
	}
	authRoutes := engine.Group("/")
	if options.RequestsPerMinute > 0 {
		authRoutes.Use(newRateLimiter(options.RequestsPerMinute, options.Burst).handle)
	}
	authRoutes.Use(server.authenticate)
	authRoutes.POST("/", server.HandleJSONRPC)
	server.engine = engine
	return server
}

func (server *Server) AddMethod(method Method) {
	server.methods[method.Name()] = method
}

// Handler returns the http handler of the server.
func (server *Server) Handler() http.Handler {
	return server.engine
}

func (server *Server) HandleJSONRPC(ctx *gin.Context) {
	req := Request{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
		return
	}
	if req.Version != "2.0" {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeInvalidRequest, ErrorMessageInvalidRequest, "jsonrpc must be 2.0")))
		return
	}

	method, ok := server.methods[req.Method]
	if !ok {
		ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, req.Method)))
		return
	}

	result, err := method.Query(ctx.Request.Context(), req.Params)
	if err != nil {
		server.logger.Debug("query failed", zap.String("method", req.Method), zap.Error(err))
		ctx.JSON(http.StatusOK, NewResponse(req.ID, nil, toError(err)))
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, NewResponse(req.ID, nil, NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())))
		return
	}
	ctx.JSON(http.StatusOK, NewResponse(req.ID, data, nil))
}

func (server *Server) authenticate(ctx *gin.Context) {
	if server.authsha == nil {
		return
	}
	authhdr := ctx.GetHeader("Authorization")
	if len(authhdr) <= 0 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
	authsha := sha256.Sum256([]byte(authhdr))
	if subtle.ConstantTimeCompare(authsha[:], server.authsha[:]) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized Invalid credentials"})
		return
	}
}

// Run serves on the address until the context is cancelled.
func (server *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		server.logger.Info("listening", zap.String("addr", addr))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
