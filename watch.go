package qtdi

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/qtdi/settings"
)

// DefaultAutoRefreshInterval is the refresh cadence used when
// qtdi/autoRefreshMillis is not configured.
const DefaultAutoRefreshInterval = time.Second

// ConfigWatcher observes one configuration expression. On every refresh
// cycle the expression is re-resolved; a changed value notifies the
// value subscribers, a resolution failure on a previously resolvable
// expression notifies the error subscribers while the last good value is
// retained.
type ConfigWatcher struct {
	container  *StdContainer
	expression string
	expr       *PlaceholderExpression
	group      string

	mu        sync.Mutex
	last      any
	hasLast   bool
	valueSubs *subscriberList
	errorSubs *subscriberList
}

// Expression returns the watched expression.
func (w *ConfigWatcher) Expression() string { return w.expression }

// CurrentValue returns the last successfully resolved value.
func (w *ConfigWatcher) CurrentValue() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// OnValueChanged subscribes fn to value changes.
func (w *ConfigWatcher) OnValueChanged(fn func(value any)) *Subscription {
	id := w.valueSubs.add(fn)
	return newSubscription(func() { w.valueSubs.remove(id) })
}

// OnError subscribes fn to resolution failures.
func (w *ConfigWatcher) OnError(fn func(err error)) *Subscription {
	id := w.errorSubs.add(func(v any) { fn(v.(error)) })
	return newSubscription(func() { w.errorSubs.remove(id) })
}

// refresh re-resolves the expression and dispatches change or error
// events.
func (w *ConfigWatcher) refresh() {
	value, err := w.expr.resolve(w.container.ConfigurationValue, w.group, make(map[string]any))

	w.mu.Lock()
	if err != nil {
		hadValue := w.hasLast
		w.mu.Unlock()
		if hadValue {
			w.errorSubs.emit(err)
		}
		return
	}
	changed := !w.hasLast || !reflect.DeepEqual(w.last, value)
	w.last = value
	w.hasLast = true
	w.mu.Unlock()

	if changed {
		w.valueSubs.emit(value)
	}
}

// WatchConfigValue returns a watcher over a configuration expression.
// May be called from any goroutine. The initial value, when resolvable,
// is available immediately via CurrentValue.
func (c *StdContainer) WatchConfigValue(expression string) (*ConfigWatcher, error) {
	expr, err := c.parsedExpression(expression)
	if err != nil {
		return nil, err
	}
	w := &ConfigWatcher{
		container:  c,
		expression: expression,
		expr:       expr,
		valueSubs:  newSubscriberList(),
		errorSubs:  newSubscriberList(),
	}
	if value, err := expr.resolve(c.ConfigurationValue, "", make(map[string]any)); err == nil {
		w.last = value
		w.hasLast = true
	}
	c.refresh.addWatcher(w)
	return w, nil
}

// refreshService drives periodic re-resolution of configuration
// watchers. It is enabled through qtdi/enableAutoRefresh; the cadence
// comes from qtdi/autoRefreshMillis or a qtdi/autoRefreshSpec cron
// expression. File-backed settings sources additionally trigger a
// refresh on every file change.
type refreshService struct {
	container *StdContainer

	mu       sync.Mutex
	watchers []*ConfigWatcher
	started  bool
	stopped  bool
	cron     *cron.Cron

	trigger chan struct{}
	quit    chan struct{}
}

func newRefreshService(c *StdContainer) *refreshService {
	return &refreshService{
		container: c,
		trigger:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

func (s *refreshService) enabled() bool {
	value, ok := s.container.ConfigurationValue(KeyEnableAutoRefresh)
	return ok && truthy(value)
}

func (s *refreshService) addWatcher(w *ConfigWatcher) {
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	s.ensureStarted()
}

// watchProperty wires an auto-refresh configuration property: when the
// watched expression changes, the new value is written back onto the
// service instance.
func (s *refreshService) watchProperty(reg *Registration, name string, value ConfigValue, group string) {
	if !s.enabled() {
		return
	}
	expression, ok := value.Expression.(string)
	if !ok {
		return
	}
	expr, err := s.container.parsedExpression(expression)
	if err != nil || !expr.HasPlaceholders() {
		return
	}
	w := &ConfigWatcher{
		container:  s.container,
		expression: expression,
		expr:       expr,
		group:      group,
		valueSubs:  newSubscriberList(),
		errorSubs:  newSubscriberList(),
	}
	if current, present := reg.resolvedPlaceholders[name]; present {
		w.last = current
		w.hasLast = true
	}
	sub := w.OnValueChanged(func(resolved any) {
		c := s.container
		c.mu.Lock()
		instance := reg.instance
		published := reg.state == StatePublished || reg.state == StateNeedsConfiguration
		if published {
			reg.resolvedPlaceholders[name] = resolved
		}
		c.mu.Unlock()
		if !published || instance == nil {
			return
		}
		if err := c.applyProperty(reg, instance, name, value, resolved); err != nil {
			c.logger.Error("Auto-refresh write failed", "name", reg.name, "property", name, "error", err)
			return
		}
		c.logger.Debug("Refreshed property", "name", reg.name, "property", name)
	})
	reg.watcherCancels = append(reg.watcherCancels, sub.Cancel)
	s.addWatcher(w)
}

// watchSource forwards change notifications of file-backed sources into
// the refresh trigger.
func (s *refreshService) watchSource(src settings.Source) {
	file, ok := src.(settings.FileSource)
	if !ok {
		return
	}
	changes := file.Changes()
	if changes == nil {
		return
	}
	go func() {
		for {
			select {
			case _, open := <-changes:
				if !open {
					return
				}
				select {
				case s.trigger <- struct{}{}:
				default:
				}
			case <-s.quit:
				return
			}
		}
	}()
	s.ensureStarted()
}

func (s *refreshService) ensureStarted() {
	if !s.enabled() {
		return
	}
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	if spec, ok := s.container.ConfigurationValue(KeyAutoRefreshSpec); ok {
		runner := cron.New(cron.WithSeconds())
		if _, err := runner.AddFunc(fmt.Sprintf("%v", spec), s.refreshAll); err != nil {
			s.container.logger.Warn("Invalid auto-refresh cron spec", "spec", spec, "error", err)
		} else {
			s.cron = runner
			runner.Start()
		}
	}
	s.mu.Unlock()

	go s.run()
	s.container.logger.Debug("Configuration auto-refresh enabled", "interval", s.interval())
}

func (s *refreshService) interval() time.Duration {
	raw, ok := s.container.ConfigurationValue(KeyAutoRefreshMillis)
	if !ok {
		return DefaultAutoRefreshInterval
	}
	var millis int64
	switch v := raw.(type) {
	case int:
		millis = int64(v)
	case int64:
		millis = v
	case float64:
		millis = int64(v)
	case string:
		if _, err := fmt.Sscanf(v, "%d", &millis); err != nil {
			return DefaultAutoRefreshInterval
		}
	default:
		return DefaultAutoRefreshInterval
	}
	if millis <= 0 {
		return DefaultAutoRefreshInterval
	}
	return time.Duration(millis) * time.Millisecond
}

func (s *refreshService) run() {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshAll()
		case <-s.trigger:
			s.refreshAll()
		case <-s.quit:
			return
		}
	}
}

func (s *refreshService) refreshAll() {
	s.mu.Lock()
	watchers := make([]*ConfigWatcher, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()
	for _, w := range watchers {
		w.refresh()
	}
}

func (s *refreshService) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	runner := s.cron
	s.cron = nil
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	close(s.quit)
}
