package action_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/devicelab-dev/engage-runner/pkg/action"
	"github.com/devicelab-dev/engage-runner/pkg/core"
	"github.com/devicelab-dev/engage-runner/pkg/flow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fakeOpts(t *testing.T) (*action.FakeClock, []action.Option) {
	t.Helper()
	clock := action.NewFakeClock(epoch)
	return clock, []action.Option{
		action.WithClock(clock),
		action.WithLogger(zaptest.NewLogger(t)),
	}
}

// strictDriver fails the test on any call that was not expected.
type strictDriver struct {
	mock.Mock
}

func (m *strictDriver) FindElement(loc flow.Locator) (action.Element, error) {
	args := m.Called(loc)
	return args.Get(0).(action.Element), args.Error(1)
}

func (m *strictDriver) IsDisplayed(el action.Element) (bool, error) {
	args := m.Called(el)
	return args.Bool(0), args.Error(1)
}

func (m *strictDriver) IsEnabled(el action.Element) (bool, error) {
	args := m.Called(el)
	return args.Bool(0), args.Error(1)
}

func (m *strictDriver) Location(el action.Element) (core.Point, error) {
	args := m.Called(el)
	return args.Get(0).(core.Point), args.Error(1)
}

func (m *strictDriver) Size(el action.Element) (int, int, error) {
	args := m.Called(el)
	return args.Int(0), args.Int(1), args.Error(2)
}

func (m *strictDriver) Click(el action.Element) error {
	return m.Called(el).Error(0)
}

func (m *strictDriver) PerformPointerGesture(points []core.Point) error {
	return m.Called(points).Error(0)
}

func (m *strictDriver) HideSoftInput() error {
	return m.Called().Error(0)
}
