package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/possettle/internal/version"
)

const defaultCheckTimeout = 2 * time.Second

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Build         version.Build    `json:"build"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// CheckFunc проверяет доступность зависимости.
type CheckFunc func(ctx context.Context) error

type component struct {
	check    CheckFunc
	critical bool
}

// Registry хранит проверки хранилища, счётчиков и брокера.
// Сбой критичной проверки делает сервис unhealthy и снимает readiness,
// сбой некритичной только переводит его в degraded.
type Registry struct {
	mu         sync.RWMutex
	components map[string]component
	build      version.Build
	timeout    time.Duration
	startTime  time.Time
}

// NewRegistry создаёт реестр проверок.
func NewRegistry(build version.Build) *Registry {
	return &Registry{
		components: make(map[string]component),
		build:      build,
		timeout:    defaultCheckTimeout,
		startTime:  time.Now(),
	}
}

// SetTimeout задаёт предельное время одной проверки.
func (r *Registry) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = timeout
	r.mu.Unlock()
}

// Register добавляет критичную проверку (хранилище, счётчики).
func (r *Registry) Register(name string, check CheckFunc) {
	r.add(name, check, true)
}

// RegisterOptional добавляет проверку зависимости, без которой сервис продолжает работу (брокер).
func (r *Registry) RegisterOptional(name string, check CheckFunc) {
	r.add(name, check, false)
}

func (r *Registry) add(name string, check CheckFunc, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[name] = component{check: check, critical: critical}
}

// Names возвращает имена зарегистрированных проверок по алфавиту.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run выполняет все проверки параллельно и сводит общий статус.
func (r *Registry) Run(ctx context.Context) (Status, map[string]Check) {
	r.mu.RLock()
	components := make(map[string]component, len(r.components))
	for name, c := range r.components {
		components[name] = c
	}
	timeout := r.timeout
	r.mu.RUnlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check, len(components))
	)
	for name, c := range components {
		wg.Add(1)
		go func(name string, c component) {
			defer wg.Done()
			result := runCheck(ctx, name, c, timeout)
			mu.Lock()
			checks[name] = result
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, check := range checks {
		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func runCheck(ctx context.Context, name string, c component, timeout time.Duration) Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.check(ctx)
	result := Check{
		Name:       name,
		Status:     StatusHealthy,
		Critical:   c.critical,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Message = err.Error()
		result.Status = StatusDegraded
		if c.critical {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

// ServeHTTP отдаёт /healthz: 200 для healthy и degraded, 503 для unhealthy.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	overall, checks := r.Run(req.Context())
	response := Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        checks,
		Build:         r.build,
		UptimeSeconds: int64(time.Since(r.startTime).Seconds()),
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler простой liveness probe (всегда возвращает 200)
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler снимает готовность, пока любая критичная проверка не проходит.
func (r *Registry) ReadinessHandler(w http.ResponseWriter, req *http.Request) {
	if overall, _ := r.Run(req.Context()); overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Mount регистрирует /healthz, /livez и /readyz.
func (r *Registry) Mount(mux *http.ServeMux) {
	mux.Handle("/healthz", r)
	mux.HandleFunc("/livez", LivenessHandler)
	mux.HandleFunc("/readyz", r.ReadinessHandler)
}
