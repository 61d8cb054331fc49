package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"gopkg.in/macaron.v1"
)

const shutdownGrace = 2 * time.Second

// StatusFunc returns a JSON-encodable snapshot of the running sync.
type StatusFunc func() any

type Server struct {
	control *Control
	status  StatusFunc
	logger  *slog.Logger
	m       *macaron.Macaron
}

// NewServer exposes control over HTTP:
//
//	GET  /<var>             {"state": "<thousandths>"}
//	PUT  /<var>?state=<n>   sets the var to n/1000
//	GET  /state             every var
//	GET  /status            the sync status, when status is not nil
func NewServer(control *Control, status StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "control")
	s := &Server{
		control: control,
		status:  status,
		logger:  logger,
		m:       macaron.NewWithLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer()),
	}
	s.m.Use(macaron.Recovery())
	s.m.Use(s.logRequests)

	for _, name := range Names() {
		name := name
		h := func(ctx *macaron.Context) string {
			return s.getVar(ctx, name)
		}
		s.m.Combo("/" + name).Get(h).Put(h)
	}
	s.m.Get("/state", func(ctx *macaron.Context) string {
		ctx.Header().Set("Content-Type", "application/json")
		return s.control.State()
	})
	s.m.Get("/status", s.getStatus)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.m
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.m, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("control server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(ctx *macaron.Context) {
	start := time.Now()
	ctx.Next()
	s.logger.Debug("request",
		"method", ctx.Req.Method,
		"path", ctx.Req.URL.Path,
		"status", ctx.Resp.Status(),
		"elapsed", time.Since(start))
}

// getVar reads the var on a plain request and sets it when the state query
// parameter is present, for both GET and PUT.
func (s *Server) getVar(ctx *macaron.Context, name string) string {
	ctx.Header().Set("Content-Type", "application/json")
	newValString := ctx.Query("state")
	if newValString == "" {
		return stateJSON(strconv.Itoa(int(math.Round(s.control.GetVar(name) * scale))))
	}
	newVal, err := strconv.Atoi(newValString)
	if err != nil {
		ctx.Resp.WriteHeader(http.StatusBadRequest)
		return errorJSON("not a number")
	}
	if err := s.control.SetVar(name, float64(newVal)/scale); err != nil {
		ctx.Resp.WriteHeader(http.StatusBadRequest)
		return errorJSON(err.Error())
	}
	s.logger.Info("control changed", "var", name, "value", float64(newVal)/scale)
	return stateJSON(newValString)
}

func (s *Server) getStatus(ctx *macaron.Context) string {
	ctx.Header().Set("Content-Type", "application/json")
	if s.status == nil {
		ctx.Resp.WriteHeader(http.StatusServiceUnavailable)
		return errorJSON("sync not running")
	}
	b, err := json.Marshal(s.status())
	if err != nil {
		ctx.Resp.WriteHeader(http.StatusInternalServerError)
		return errorJSON(err.Error())
	}
	return string(b)
}

func stateJSON(v string) string {
	b, _ := json.Marshal(map[string]string{"state": v})
	return string(b)
}

func errorJSON(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
