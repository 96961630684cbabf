package appium

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// Server is a local Appium server started by the runner. A Server that
// reused an already running instance owns no process.
type Server struct {
	url    string
	cmd    *exec.Cmd
	done   chan struct{}
	output *zapio.Writer
	grace  time.Duration
	log    *zap.Logger
}

type serverConfig struct {
	binary       string
	args         []string
	startTimeout time.Duration
	stopTimeout  time.Duration
	httpClient   *http.Client
	log          *zap.Logger
}

// ServerOption configures StartServer.
type ServerOption func(*serverConfig)

// WithServerBinary sets the appium executable. Default "appium" from PATH.
func WithServerBinary(path string) ServerOption {
	return func(c *serverConfig) {
		if path != "" {
			c.binary = path
		}
	}
}

// WithServerArgs appends extra command line arguments.
func WithServerArgs(args ...string) ServerOption {
	return func(c *serverConfig) { c.args = append(c.args, args...) }
}

// WithStartTimeout bounds the wait for the server to report ready.
func WithStartTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithServerLogger sets the logger; server output is logged at debug.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(c *serverConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// StartServer makes sure an Appium server answers at serverURL. A server
// that already reports ready is reused; otherwise one is launched on the
// URL's host, port and base path and polled until ready.
func StartServer(ctx context.Context, serverURL string, opts ...ServerOption) (*Server, error) {
	cfg := serverConfig{
		binary:       "appium",
		startTimeout: 60 * time.Second,
		stopTimeout:  10 * time.Second,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return nil, core.ErrInvalidConfig.WithMessage(fmt.Sprintf("invalid appium url %q", serverURL))
	}
	base := strings.TrimRight(serverURL, "/")
	srv := &Server{url: base, grace: cfg.stopTimeout, log: cfg.log}

	if err := checkStatus(ctx, cfg.httpClient, base); err == nil {
		cfg.log.Info("using running appium server", zap.String("url", base))
		return srv, nil
	}

	path, err := exec.LookPath(cfg.binary)
	if err != nil {
		return nil, core.ErrServerUnreachable.WithCause(err).
			WithMessage(fmt.Sprintf("appium executable %q not found", cfg.binary))
	}

	args := []string{"--address", u.Hostname(), "--port", portOf(u), "--session-override"}
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		args = append(args, "--base-path", p)
	}
	args = append(args, cfg.args...)

	srv.output = &zapio.Writer{Log: cfg.log.Named("output"), Level: zapcore.DebugLevel}
	srv.cmd = exec.Command(path, args...)
	srv.cmd.Stdout = srv.output
	srv.cmd.Stderr = srv.output
	if err := srv.cmd.Start(); err != nil {
		return nil, core.ErrServerUnreachable.WithCause(err).WithMessage("failed to start appium")
	}
	srv.done = make(chan struct{})
	go func() {
		_ = srv.cmd.Wait()
		close(srv.done)
	}()
	cfg.log.Info("appium server started",
		zap.Int("pid", srv.cmd.Process.Pid),
		zap.Strings("args", args))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = cfg.startTimeout

	operation := func() error {
		select {
		case <-srv.done:
			return backoff.Permanent(errors.New("appium exited during startup"))
		default:
		}
		return checkStatus(ctx, cfg.httpClient, base)
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		_ = srv.stop()
		return nil, core.ErrServerUnreachable.WithCause(err).
			WithMessage(fmt.Sprintf("appium server at %s did not become ready", base))
	}
	cfg.log.Info("appium server ready", zap.String("url", base))
	return srv, nil
}

// URL returns the server's base URL.
func (s *Server) URL() string { return s.url }

// Owned reports whether the runner started the server process.
func (s *Server) Owned() bool { return s != nil && s.cmd != nil }

// Stop ends a server the runner started. Reused servers are left running.
func (s *Server) Stop() error {
	if !s.Owned() {
		return nil
	}
	return s.stop()
}

func (s *Server) stop() error {
	defer s.output.Close()
	select {
	case <-s.done:
		return nil
	default:
	}

	s.log.Info("stopping appium server", zap.Int("pid", s.cmd.Process.Pid))
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(s.grace):
	}
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill appium: %w", err)
	}
	<-s.done
	return nil
}

// checkStatus reports nil when GET /status answers 200 with ready true or
// no ready field.
func checkStatus(ctx context.Context, hc *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status returned %d", resp.StatusCode)
	}
	var body struct {
		Value struct {
			Ready *bool `json:"ready"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Value.Ready != nil && !*body.Value.Ready {
		return errors.New("server not ready")
	}
	return nil
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "4723"
}
