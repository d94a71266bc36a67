package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/possettle/internal/service/grpc"
)

const (
	envToken        = "POS_LOADTEST_TOKEN"
	defaultQuantity = int64(1)
)

type loadMode string

const (
	modeCheckout        loadMode = "checkout"
	modeRestockCheckout loadMode = "restock-checkout"
	modeCheckoutRetry   loadMode = "checkout-retry"
	// modeOversellCheck продаёт без пополнения и проверяет, что остаток не ушёл в минус
	// и сходится с числом проданных единиц.
	modeOversellCheck loadMode = "oversell-check"
)

// settlementClient — часть SettlementService, которую нагружает loadtest.
type settlementClient interface {
	Checkout(ctx context.Context, req *grpcsvc.CheckoutRequest) (*grpcsvc.CheckoutResponse, error)
	AdjustStock(ctx context.Context, req *grpcsvc.AdjustStockRequest) (*grpcsvc.AdjustStockResponse, error)
	GetInventory(ctx context.Context, req *grpcsvc.GetInventoryRequest) (*grpcsvc.GetInventoryResponse, error)
}

type config struct {
	addr          string
	token         string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	connections   int
	timeout       time.Duration
	mode          loadMode
	productID     int64
	unitPrice     decimal.Decimal
	quantity      int64
	paymentMethod string
	numberPrefix  string
	outputPath    string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             *stockReport            `json:"stock,omitempty"`
}

// stockReport — итог проверки остатка в режиме oversell-check.
type stockReport struct {
	ProductID         int64 `json:"product_id"`
	InitialQuantity   int64 `json:"initial_quantity"`
	FinalQuantity     int64 `json:"final_quantity"`
	SoldUnits         int64 `json:"sold_units"`
	PreflightRejected int64 `json:"preflight_rejected"`
	GuardRejected     int64 `json:"guard_rejected"`
	Consistent        bool  `json:"consistent"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats

	soldUnits         atomic.Int64
	preflightRejected atomic.Int64
	guardRejected     atomic.Int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
	}
}

func (c *collector) record(method string, latency time.Duration, code codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{
			codes: make(map[string]int64),
		}
		c.methods[method] = stats
	}

	stats.calls++
	if code == codes.OK {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code.String()]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) snapshot(name string) (methodReport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[name]
	if !ok {
		return methodReport{}, false
	}

	return stats.report(), true
}

func (s *methodStats) report() methodReport {
	codesCopy := make(map[string]int64, len(s.codes))
	for code, count := range s.codes {
		codesCopy[code] = count
	}
	return methodReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Codes:     codesCopy,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

// recordStockRejection учитывает отказы по остатку. В режиме oversell-check они
// ожидаемы: FailedPrecondition даёт pre-flight, Aborted даёт атомарный guard.
func (c *collector) recordStockRejection(code codes.Code) bool {
	switch code {
	case codes.FailedPrecondition:
		c.preflightRejected.Add(1)
		return true
	case codes.Aborted:
		c.guardRejected.Add(1)
		return true
	default:
		return false
	}
}

func (c *collector) stockResult(productID, initial, final int64) *stockReport {
	sold := c.soldUnits.Load()
	return &stockReport{
		ProductID:         productID,
		InitialQuantity:   initial,
		FinalQuantity:     final,
		SoldUnits:         sold,
		PreflightRejected: c.preflightRejected.Load(),
		GuardRejected:     c.guardRejected.Load(),
		Consistent:        final >= 0 && initial-final == sold,
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	for name, stats := range c.methods {
		result.Methods[name] = stats.report()
	}
	if scenario, ok := result.Methods["scenario"]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue string
	var timeoutValue string
	var durationValue string
	var priceValue string

	flag.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	flag.StringVar(&cfg.token, "token", "", "bearer token (fallback: "+envToken+")")
	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-RPC timeout")
	flag.StringVar(&modeValue, "mode", string(modeRestockCheckout), "load mode: checkout | restock-checkout | checkout-retry | oversell-check")
	flag.Int64Var(&cfg.productID, "product-id", 1, "catalog product id sold in every scenario")
	flag.StringVar(&priceValue, "unit-price", "50.00", "unit price of the product")
	flag.Int64Var(&cfg.quantity, "quantity", defaultQuantity, "units sold per scenario")
	flag.StringVar(&cfg.paymentMethod, "payment-method", "cash", "payment method of generated sales")
	flag.StringVar(&cfg.numberPrefix, "number-prefix", "LT", "transaction number prefix")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	if strings.TrimSpace(cfg.token) == "" {
		cfg.token = strings.TrimSpace(os.Getenv(envToken))
	}

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	price, err := decimal.NewFromString(strings.TrimSpace(priceValue))
	if err != nil {
		return cfg, fmt.Errorf("parse unit-price: %w", err)
	}
	cfg.unitPrice = price

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.connections <= 0 {
		return cfg, errors.New("connections must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.productID <= 0 {
		return cfg, errors.New("product-id must be > 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("quantity must be > 0")
	}
	if cfg.unitPrice.IsNegative() {
		return cfg, errors.New("unit-price must be >= 0")
	}
	if strings.TrimSpace(cfg.paymentMethod) == "" {
		return cfg, errors.New("payment-method is required")
	}
	if strings.TrimSpace(cfg.numberPrefix) == "" {
		return cfg, errors.New("number-prefix is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCheckout, modeRestockCheckout, modeCheckoutRetry, modeOversellCheck:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]settlementClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn, cfg.token))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	col := newCollector()
	var initialQuantity int64
	if cfg.mode == modeOversellCheck {
		initialQuantity, err = fetchQuantity(clients[0], cfg, col)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to read initial inventory: %v\n", err)
			os.Exit(1)
		}
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		client := clients[workerID%len(clients)]
		go func(cli settlementClient) {
			defer wg.Done()
			for id := range jobs {
				if runErr := runScenario(cli, cfg, id, runID, col); runErr != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}(client)
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)

	var stock *stockReport
	if cfg.mode == modeOversellCheck {
		finalQuantity, err := fetchQuantity(clients[0], cfg, col)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to read final inventory: %v\n", err)
			os.Exit(1)
		}
		stock = col.stockResult(cfg.productID, initialQuantity, finalQuantity)
	}

	result := col.buildReport(startedAt, duration)
	result.Stock = stock
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || (result.Stock != nil && !result.Stock.Consistent) {
		os.Exit(1)
	}
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(
	client settlementClient,
	cfg config,
	index int,
	runID string,
	col *collector,
) error {
	scenarioStart := time.Now()
	scenarioCode := codes.OK
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioCode)
	}()

	if cfg.mode == modeRestockCheckout {
		if err := callAdjustStock(client, cfg.timeout, cfg.productID, cfg.quantity, col); err != nil {
			scenarioCode = grpcCode(err)
			return err
		}
	}

	req := buildCheckoutRequest(cfg, fmt.Sprintf("%s-%s-%d", cfg.numberPrefix, runID, index))
	resp, err := callCheckout(client, cfg.timeout, req, col)
	if err != nil {
		if cfg.mode == modeOversellCheck && col.recordStockRejection(grpcCode(err)) {
			return nil
		}
		scenarioCode = grpcCode(err)
		return err
	}
	if resp.Transaction.ID == 0 {
		scenarioCode = codes.Internal
		return errors.New("checkout response returned empty transaction id")
	}
	col.soldUnits.Add(cfg.quantity)

	if cfg.mode == modeCheckoutRetry {
		// Повтор с тем же номером обязан отклоняться, иначе продажа задвоится.
		_, err := callCheckout(client, cfg.timeout, req, col)
		if err == nil {
			scenarioCode = codes.Internal
			return fmt.Errorf("duplicate transaction number %s was accepted", req.TransactionNumber)
		}
		if code := grpcCode(err); code != codes.AlreadyExists {
			scenarioCode = code
			return err
		}
	}

	return nil
}

func buildCheckoutRequest(cfg config, number string) *grpcsvc.CheckoutRequest {
	lineTotal := cfg.unitPrice.Mul(decimal.NewFromInt(cfg.quantity))
	return &grpcsvc.CheckoutRequest{
		TransactionNumber: number,
		Subtotal:          lineTotal,
		Total:             lineTotal,
		PaymentMethod:     cfg.paymentMethod,
		Items: []grpcsvc.CheckoutLine{{
			ProductID: grpcsvc.ProductRef(strconv.FormatInt(cfg.productID, 10)),
			Quantity:  cfg.quantity,
			UnitPrice: cfg.unitPrice,
			Subtotal:  lineTotal,
		}},
	}
}

func callCheckout(
	client settlementClient,
	timeout time.Duration,
	req *grpcsvc.CheckoutRequest,
	col *collector,
) (*grpcsvc.CheckoutResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := client.Checkout(ctx, req)
	col.record(grpcsvc.MethodCheckout, time.Since(start), grpcCode(err))
	return resp, err
}

func callAdjustStock(
	client settlementClient,
	timeout time.Duration,
	productID, quantity int64,
	col *collector,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := client.AdjustStock(ctx, &grpcsvc.AdjustStockRequest{
		ProductID: grpcsvc.ProductRef(strconv.FormatInt(productID, 10)),
		Quantity:  quantity,
		Type:      "in",
		Reason:    "loadtest restock",
	})
	col.record(grpcsvc.MethodAdjustStock, time.Since(start), grpcCode(err))
	return err
}

func fetchQuantity(client settlementClient, cfg config, col *collector) (int64, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	resp, err := client.GetInventory(ctx, &grpcsvc.GetInventoryRequest{ProductID: grpcsvc.ProductRef(strconv.FormatInt(cfg.productID, 10))})
	col.record(grpcsvc.MethodGetInventory, time.Since(start), grpcCode(err))
	if err != nil {
		return 0, err
	}
	return resp.Quantity, nil
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)
	if stock := result.Stock; stock != nil {
		fmt.Printf("stock product=%d initial=%d final=%d sold=%d preflight_rejected=%d guard_rejected=%d consistent=%t\n",
			stock.ProductID,
			stock.InitialQuantity,
			stock.FinalQuantity,
			stock.SoldUnits,
			stock.PreflightRejected,
			stock.GuardRejected,
			stock.Consistent,
		)
	}

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		fmt.Printf(
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
