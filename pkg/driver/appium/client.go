// Package appium talks to an Appium server over the W3C WebDriver protocol
// and adapts it to action.Driver.
package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devicelab-dev/engage-runner/pkg/core"
)

// W3C WebDriver element identifier key (standard constant)
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// Client defaults.
const (
	DefaultRequestTimeout = 2 * time.Minute
	DefaultRateLimit      = 20 // requests per second
	DefaultRateBurst      = 5
	DefaultConnectRetry   = 30 * time.Second
)

// Client handles HTTP communication with Appium server.
type Client struct {
	serverURL string
	sessionID string
	client    *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
	platform  string // ios, android
	screenW   int
	screenH   int

	connectRetry   time.Duration
	connectInitial time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithRateLimit caps requests per second. Zero or negative disables the cap.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithConnectRetry bounds how long Connect keeps retrying an unreachable
// server. Zero means a single attempt.
func WithConnectRetry(d time.Duration) ClientOption {
	return func(c *Client) { c.connectRetry = d }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient creates a new Appium client.
func NewClient(serverURL string, opts ...ClientOption) *Client {
	c := &Client{
		serverURL:      strings.TrimSuffix(serverURL, "/"),
		client:         &http.Client{Timeout: DefaultRequestTimeout},
		limiter:        rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateBurst),
		log:            zap.NewNop(),
		connectRetry:   DefaultConnectRetry,
		connectInitial: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WebDriverError is an error response from the server.
type WebDriverError struct {
	Status  int
	Code    string // W3C error code, e.g. "no such element"
	Message string
}

func (e *WebDriverError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps W3C error codes onto the core sentinels.
func (e *WebDriverError) Unwrap() error {
	switch e.Code {
	case "no such element", "stale element reference":
		return core.ErrElementNotFound
	case "invalid session id":
		return core.ErrNoSession
	case "element not interactable", "element click intercepted":
		return core.ErrNotActionable
	case "timeout":
		return core.ErrTimeout
	case "unknown method", "unsupported operation", "unknown command":
		return core.ErrUnsupported
	}
	return nil
}

// Connect creates a new session with the given capabilities. Connection
// failures are retried with exponential backoff; WebDriver errors such as
// "session not created" are not.
func (c *Client) Connect(ctx context.Context, capabilities map[string]interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": capabilities,
		},
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.connectInitial
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = c.connectRetry

	var resp map[string]interface{}
	operation := func() error {
		var err error
		resp, err = c.post(ctx, "/session", body)
		if err == nil {
			return nil
		}
		var wdErr *WebDriverError
		if errors.As(err, &wdErr) {
			return backoff.Permanent(err)
		}
		c.log.Warn("appium server not reachable, retrying", zap.String("url", c.serverURL), zap.Error(err))
		return err
	}

	var policy backoff.BackOff = backoff.WithContext(b, ctx)
	if c.connectRetry <= 0 {
		policy = backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	value, ok := resp["value"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid session response")
	}

	c.sessionID, _ = value["sessionId"].(string)
	if c.sessionID == "" {
		return fmt.Errorf("no session ID in response")
	}

	if caps, ok := value["capabilities"].(map[string]interface{}); ok {
		if platform, ok := caps["platformName"].(string); ok {
			c.platform = strings.ToLower(platform)
		}
	}

	c.fetchScreenSize()

	// Presence polling is done client side; the server must answer finds
	// immediately.
	if err := c.SetImplicitWait(0); err != nil {
		c.log.Debug("could not reset implicit wait", zap.Error(err))
	}
	settings := map[string]interface{}{"waitForIdleTimeout": 0}
	if c.platform == "ios" {
		settings["animationCoolOffTimeout"] = 0
	} else {
		settings["waitForSelectorTimeout"] = 0
	}
	if err := c.SetSettings(settings); err != nil {
		c.log.Debug("could not apply driver settings", zap.Error(err))
	}

	c.log.Info("appium session created",
		zap.String("session", c.sessionID),
		zap.String("platform", c.platform),
		zap.Int("screen_width", c.screenW),
		zap.Int("screen_height", c.screenH))
	return nil
}

// Disconnect closes the session.
func (c *Client) Disconnect() error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.delete(c.sessionPath())
	c.sessionID = ""
	return err
}

// SessionID returns the active session id, empty when disconnected.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Platform returns the platform (ios/android).
func (c *Client) Platform() string {
	return c.platform
}

// ScreenSize returns the screen dimensions.
func (c *Client) ScreenSize() (int, int) {
	return c.screenW, c.screenH
}

func (c *Client) fetchScreenSize() {
	resp, err := c.get(c.sessionPath() + "/window/rect")
	if err != nil {
		return
	}
	if value, ok := resp["value"].(map[string]interface{}); ok {
		if w, ok := value["width"].(float64); ok {
			c.screenW = int(w)
		}
		if h, ok := value["height"].(float64); ok {
			c.screenH = int(h)
		}
	}
}

// Element Operations

// FindElement finds a single element. A missing element yields an error
// matching core.ErrElementNotFound.
func (c *Client) FindElement(strategy, value string) (string, error) {
	body := map[string]interface{}{
		"using": strategy,
		"value": value,
	}

	resp, err := c.post(context.Background(), c.sessionPath()+"/element", body)
	if err != nil {
		return "", err
	}

	elemValue, ok := resp["value"].(map[string]interface{})
	if !ok {
		return "", core.ErrElementNotFound
	}
	id := extractElementID(elemValue)
	if id == "" {
		return "", core.ErrElementNotFound
	}
	return id, nil
}

// FindElements finds multiple elements.
func (c *Client) FindElements(strategy, value string) ([]string, error) {
	body := map[string]interface{}{
		"using": strategy,
		"value": value,
	}

	resp, err := c.post(context.Background(), c.sessionPath()+"/elements", body)
	if err != nil {
		return nil, err
	}

	values, ok := resp["value"].([]interface{})
	if !ok {
		return nil, nil
	}

	var ids []string
	for _, v := range values {
		if elem, ok := v.(map[string]interface{}); ok {
			if id := extractElementID(elem); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// ClickElement clicks an element using WebDriver standard endpoint.
func (c *Client) ClickElement(elementID string) error {
	_, err := c.post(context.Background(), c.elementPath(elementID)+"/click", map[string]interface{}{})
	return err
}

// ClearElement clears an element's text.
func (c *Client) ClearElement(elementID string) error {
	_, err := c.post(context.Background(), c.elementPath(elementID)+"/clear", map[string]interface{}{})
	return err
}

// SendElementKeys types text into an element.
func (c *Client) SendElementKeys(elementID, text string) error {
	_, err := c.post(context.Background(), c.elementPath(elementID)+"/value", map[string]interface{}{
		"text": text,
	})
	return err
}

// SetElementValue replaces an element's value through Appium's value
// endpoint, bypassing the keyboard.
func (c *Client) SetElementValue(elementID, text string) error {
	_, err := c.post(context.Background(), c.sessionPath()+"/appium/element/"+elementID+"/value", map[string]interface{}{
		"text":  text,
		"value": strings.Split(text, ""),
	})
	return err
}

// GetElementText returns an element's text.
func (c *Client) GetElementText(elementID string) (string, error) {
	resp, err := c.get(c.elementPath(elementID) + "/text")
	if err != nil {
		return "", err
	}
	text, _ := resp["value"].(string)
	return text, nil
}

// GetElementAttribute returns an element's attribute value.
func (c *Client) GetElementAttribute(elementID, name string) (string, error) {
	resp, err := c.get(c.elementPath(elementID) + "/attribute/" + name)
	if err != nil {
		return "", err
	}
	switch v := resp["value"].(type) {
	case string:
		return v, nil
	case bool:
		return fmt.Sprint(v), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

// GetElementRect returns an element's position and size.
func (c *Client) GetElementRect(elementID string) (core.Bounds, error) {
	resp, err := c.get(c.elementPath(elementID) + "/rect")
	if err != nil {
		return core.Bounds{}, err
	}
	value, ok := resp["value"].(map[string]interface{})
	if !ok {
		return core.Bounds{}, fmt.Errorf("invalid rect response")
	}

	xf, _ := value["x"].(float64)
	yf, _ := value["y"].(float64)
	wf, _ := value["width"].(float64)
	hf, _ := value["height"].(float64)
	return core.Bounds{X: int(xf), Y: int(yf), Width: int(wf), Height: int(hf)}, nil
}

// IsElementDisplayed checks if element is visible.
func (c *Client) IsElementDisplayed(elementID string) (bool, error) {
	resp, err := c.get(c.elementPath(elementID) + "/displayed")
	if err != nil {
		return false, err
	}
	displayed, _ := resp["value"].(bool)
	return displayed, nil
}

// IsElementEnabled checks if element is enabled.
func (c *Client) IsElementEnabled(elementID string) (bool, error) {
	resp, err := c.get(c.elementPath(elementID) + "/enabled")
	if err != nil {
		return false, err
	}
	enabled, _ := resp["value"].(bool)
	return enabled, nil
}

// Touch/Gesture Operations (W3C Actions)

func (c *Client) performTouchAction(actions []map[string]interface{}) error {
	payload := []map[string]interface{}{
		{
			"type":       "pointer",
			"id":         "finger1",
			"parameters": map[string]interface{}{"pointerType": "touch"},
			"actions":    actions,
		},
	}
	_, err := c.post(context.Background(), c.sessionPath()+"/actions", map[string]interface{}{"actions": payload})
	return err
}

// PointerPath touches down at the first point, moves through the rest and
// lifts. A single point is a tap.
func (c *Client) PointerPath(points []core.Point, stepDuration time.Duration) error {
	if len(points) == 0 {
		return fmt.Errorf("pointer path needs at least one point")
	}
	actions := []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": points[0].X, "y": points[0].Y, "origin": "viewport"},
		{"type": "pointerDown", "button": 0},
	}
	if len(points) == 1 {
		actions = append(actions, map[string]interface{}{"type": "pause", "duration": 50})
	}
	for _, p := range points[1:] {
		actions = append(actions, map[string]interface{}{
			"type": "pointerMove", "duration": stepDuration.Milliseconds(), "x": p.X, "y": p.Y, "origin": "viewport",
		})
	}
	actions = append(actions, map[string]interface{}{"type": "pointerUp", "button": 0})
	return c.performTouchAction(actions)
}

// Tap performs a tap at coordinates using W3C touch actions.
func (c *Client) Tap(x, y int) error {
	return c.PointerPath([]core.Point{{X: x, Y: y}}, 0)
}

// ClickGesture runs UiAutomator2's native click on an element.
func (c *Client) ClickGesture(elementID string) error {
	_, err := c.ExecuteMobile("clickGesture", map[string]interface{}{"elementId": elementID})
	return err
}

// HideKeyboard hides the on-screen keyboard.
func (c *Client) HideKeyboard() error {
	_, err := c.post(context.Background(), c.sessionPath()+"/appium/device/hide_keyboard", map[string]interface{}{})
	return err
}

// Shell runs an adb shell command on the device. Requires the server to be
// started with the adb_shell insecure feature.
func (c *Client) Shell(command string, args ...string) (string, error) {
	if args == nil {
		args = []string{}
	}
	out, err := c.ExecuteMobile("shell", map[string]interface{}{
		"command": command,
		"args":    args,
	})
	if err != nil {
		return "", err
	}
	s, _ := out.(string)
	return s, nil
}

// App Management

// LaunchApp activates an app.
func (c *Client) LaunchApp(appID string) error {
	_, err := c.post(context.Background(), c.sessionPath()+"/appium/device/activate_app", c.appBody(appID))
	return err
}

// TerminateApp terminates an app.
func (c *Client) TerminateApp(appID string) error {
	_, err := c.post(context.Background(), c.sessionPath()+"/appium/device/terminate_app", c.appBody(appID))
	return err
}

func (c *Client) appBody(appID string) map[string]interface{} {
	body := make(map[string]interface{})
	if c.platform == "ios" {
		body["bundleId"] = appID
	} else {
		body["appId"] = appID
	}
	return body
}

// CurrentActivity returns the foreground Android activity.
func (c *Client) CurrentActivity() (string, error) {
	resp, err := c.get(c.sessionPath() + "/appium/device/current_activity")
	if err != nil {
		return "", err
	}
	activity, _ := resp["value"].(string)
	return activity, nil
}

// Screen Operations

// Screenshot returns a screenshot as PNG bytes.
func (c *Client) Screenshot() ([]byte, error) {
	resp, err := c.get(c.sessionPath() + "/screenshot")
	if err != nil {
		return nil, err
	}
	encoded, ok := resp["value"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid screenshot response")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// Source returns the page source XML.
func (c *Client) Source() (string, error) {
	resp, err := c.get(c.sessionPath() + "/source")
	if err != nil {
		return "", err
	}
	source, _ := resp["value"].(string)
	return source, nil
}

// Timeouts

// SetImplicitWait sets the implicit wait timeout.
func (c *Client) SetImplicitWait(timeout time.Duration) error {
	_, err := c.post(context.Background(), c.sessionPath()+"/timeouts", map[string]interface{}{
		"implicit": timeout.Milliseconds(),
	})
	return err
}

// SetSettings updates Appium driver settings.
// For Android UiAutomator2: waitForIdleTimeout, waitForSelectorTimeout
// For iOS XCUITest: animationCoolOffTimeout
func (c *Client) SetSettings(settings map[string]interface{}) error {
	_, err := c.post(context.Background(), c.sessionPath()+"/appium/settings", map[string]interface{}{
		"settings": settings,
	})
	return err
}

// ExecuteMobile executes a mobile: command.
func (c *Client) ExecuteMobile(command string, args map[string]interface{}) (interface{}, error) {
	resp, err := c.post(context.Background(), c.sessionPath()+"/execute/sync", map[string]interface{}{
		"script": "mobile: " + command,
		"args":   []interface{}{args},
	})
	if err != nil {
		return nil, err
	}
	return resp["value"], nil
}

// HTTP Helpers

func (c *Client) sessionPath() string {
	return "/session/" + c.sessionID
}

func (c *Client) elementPath(elementID string) string {
	return c.sessionPath() + "/element/" + elementID
}

func (c *Client) get(path string) (map[string]interface{}, error) {
	return c.request(context.Background(), http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodPost, path, body)
}

func (c *Client) delete(path string) (map[string]interface{}, error) {
	return c.request(context.Background(), http.MethodDelete, path, nil)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}) (map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	url := c.serverURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, core.ErrServerUnreachable.WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.log.Debug("appium request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &WebDriverError{Status: resp.StatusCode, Code: "unknown error", Message: strings.TrimSpace(string(respBody))}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Check for WebDriver error
	if errValue, ok := result["value"].(map[string]interface{}); ok {
		if errType, ok := errValue["error"].(string); ok {
			msg, _ := errValue["message"].(string)
			return result, &WebDriverError{Status: resp.StatusCode, Code: errType, Message: msg}
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return result, &WebDriverError{Status: resp.StatusCode, Code: "unknown error", Message: http.StatusText(resp.StatusCode)}
	}

	return result, nil
}

func extractElementID(value map[string]interface{}) string {
	// W3C format
	if id, ok := value[w3cElementKey].(string); ok {
		return id
	}
	// Legacy format
	if id, ok := value["ELEMENT"].(string); ok {
		return id
	}
	return ""
}
