package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"gonum.org/v1/gonum/stat"
)

// installBuiltins registers the host modules submitted code can call. The
// safety patch table is consulted here, at the single point where options
// are decoded, so every patched call site is covered before the first
// request is served.
func (e *Engine) installBuiltins(vm *goja.Runtime) error {
	stdout := e.sinks.Stdout()
	stderr := e.sinks.Stderr()

	printTo := func(w interface{ Write([]byte) (int, error) }) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatValue(arg)
			}
			fmt.Fprintln(w, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	if err := vm.Set("print", printTo(stdout)); err != nil {
		return err
	}

	console := vm.NewObject()
	_ = console.Set("log", printTo(stdout))
	_ = console.Set("info", printTo(stdout))
	_ = console.Set("warn", printTo(stderr))
	_ = console.Set("error", printTo(stderr))
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if err := vm.Set("sleep", e.makeSleep(vm)); err != nil {
		return err
	}

	if err := vm.Set("vars", func(goja.FunctionCall) goja.Value {
		var names []string
		for _, name := range vm.GlobalObject().Keys() {
			if _, builtin := e.baseline[name]; !builtin {
				names = append(names, name)
			}
		}
		return vm.ToValue(names)
	}); err != nil {
		return err
	}

	if err := e.installHTTPModule(vm); err != nil {
		return err
	}
	return e.installStatsModule(vm)
}

// formatValue renders one argument the way a REPL would: strings bare,
// everything else via its string form.
func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	return v.String()
}

// makeSleep returns an interruptible sleep builtin. A plain time.Sleep in a
// host call would be invisible to the VM interrupt, so it dozes in short
// slices and bails as soon as the watchdog flags the execution.
func (e *Engine) makeSleep(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	const slice = 10 * time.Millisecond
	return func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
		for time.Now().Before(deadline) {
			if e.interrupted.Load() {
				return goja.Undefined()
			}
			remaining := time.Until(deadline)
			if remaining > slice {
				remaining = slice
			}
			time.Sleep(remaining)
		}
		return goja.Undefined()
	}
}

// installHTTPModule exposes http.get and http.getAll built on resty with a
// retrying transport. getAll is a patched call site: the table forces
// parallel fetches down to one worker.
func (e *Engine) installHTTPModule(vm *goja.Runtime) error {
	client := newHTTPClient()

	fetch := func(url string, timeout time.Duration) (map[string]any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resp, err := client.R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, fmt.Errorf("http get %s: %w", url, err)
		}
		headers := make(map[string]string, len(resp.Header()))
		for k := range resp.Header() {
			headers[k] = resp.Header().Get(k)
		}
		return map[string]any{
			"status":  resp.StatusCode(),
			"body":    string(resp.Body()),
			"headers": headers,
		}, nil
	}

	httpMod := vm.NewObject()

	_ = httpMod.Set("get", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		opts := e.table.Rewrite("http", "get", exportOpts(call.Argument(1)))
		result, err := fetch(url, optDuration(opts, "timeout_ms", 30*time.Second))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(result)
	})

	_ = httpMod.Set("getAll", func(call goja.FunctionCall) goja.Value {
		urls, err := stringSlice(call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		opts := e.table.Rewrite("http", "getAll", exportOpts(call.Argument(1)))
		timeout := optDuration(opts, "timeout_ms", 30*time.Second)
		parallel := optInt(opts, "parallel", 1)
		if parallel < 1 {
			parallel = 1
		}

		results := make([]any, len(urls))
		if parallel == 1 {
			for i, url := range urls {
				r, err := fetch(url, timeout)
				if err != nil {
					results[i] = map[string]any{"error": err.Error()}
					continue
				}
				results[i] = r
			}
			return vm.ToValue(results)
		}

		// Only reachable if the patch table stops forcing parallel=1.
		type job struct{ i int }
		jobs := make(chan job)
		done := make(chan struct{})
		for w := 0; w < parallel; w++ {
			go func() {
				for j := range jobs {
					r, err := fetch(urls[j.i], timeout)
					if err != nil {
						results[j.i] = map[string]any{"error": err.Error()}
					} else {
						results[j.i] = r
					}
				}
				done <- struct{}{}
			}()
		}
		for i := range urls {
			jobs <- job{i}
		}
		close(jobs)
		for w := 0; w < parallel; w++ {
			<-done
		}
		return vm.ToValue(results)
	})

	return vm.Set("http", httpMod)
}

// newHTTPClient builds the resty client used by the http module.
func newHTTPClient() *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	client := resty.New()
	client.
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", "AgentKernel/1.0")
	client.SetTransport(retryClient.HTTPClient.Transport)
	return client
}

// installStatsModule exposes descriptive statistics over numeric arrays.
// bootstrap is a patched call site: resample workers are forced to one.
func (e *Engine) installStatsModule(vm *goja.Runtime) error {
	statsMod := vm.NewObject()

	unary := func(name string, fn func([]float64) float64) {
		_ = statsMod.Set(name, func(call goja.FunctionCall) goja.Value {
			xs, err := floatSlice(call.Argument(0))
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(fn(xs))
		})
	}

	unary("mean", func(xs []float64) float64 { return stat.Mean(xs, nil) })
	unary("stddev", func(xs []float64) float64 { return stat.StdDev(xs, nil) })
	unary("median", func(xs []float64) float64 {
		sorted := append([]float64(nil), xs...)
		sort.Float64s(sorted)
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	})

	_ = statsMod.Set("quantile", func(call goja.FunctionCall) goja.Value {
		xs, err := floatSlice(call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		p := call.Argument(1).ToFloat()
		sorted := append([]float64(nil), xs...)
		sort.Float64s(sorted)
		return vm.ToValue(stat.Quantile(p, stat.Empirical, sorted, nil))
	})

	_ = statsMod.Set("corr", func(call goja.FunctionCall) goja.Value {
		xs, err := floatSlice(call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		ys, err := floatSlice(call.Argument(1))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if len(xs) != len(ys) {
			panic(vm.NewGoError(fmt.Errorf("corr: length mismatch %d vs %d", len(xs), len(ys))))
		}
		return vm.ToValue(stat.Correlation(xs, ys, nil))
	})

	_ = statsMod.Set("bootstrap", func(call goja.FunctionCall) goja.Value {
		xs, err := floatSlice(call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if len(xs) == 0 {
			panic(vm.NewGoError(fmt.Errorf("bootstrap: empty input")))
		}
		opts := e.table.Rewrite("stats", "bootstrap", exportOpts(call.Argument(1)))
		iterations := optInt(opts, "iterations", 1000)
		if iterations > 100000 {
			iterations = 100000
		}
		// workers is forced to 1 by the patch table; the sequential path is
		// the only one implemented on purpose.
		_ = optInt(opts, "workers", 1)

		means := make([]float64, iterations)
		sample := make([]float64, len(xs))
		for i := 0; i < iterations; i++ {
			if e.interrupted.Load() {
				break
			}
			for j := range sample {
				sample[j] = xs[rand.Intn(len(xs))]
			}
			means[i] = stat.Mean(sample, nil)
		}
		return vm.ToValue(map[string]any{
			"mean":       stat.Mean(means, nil),
			"se":         stat.StdDev(means, nil),
			"iterations": iterations,
		})
	})

	return vm.Set("stats", statsMod)
}

// exportOpts exports an optional options argument to a map, or nil.
func exportOpts(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return nil
}

func optInt(opts map[string]any, key string, def int) int {
	if opts == nil {
		return def
	}
	switch n := opts[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return def
	}
}

func optDuration(opts map[string]any, key string, def time.Duration) time.Duration {
	ms := optInt(opts, key, -1)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func floatSlice(v goja.Value) ([]float64, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("expected a numeric array")
	}
	raw, ok := v.Export().([]any)
	if !ok {
		if xs, ok := v.Export().([]float64); ok {
			return xs, nil
		}
		return nil, fmt.Errorf("expected a numeric array, got %T", v.Export())
	}
	xs := make([]float64, len(raw))
	for i, item := range raw {
		switch n := item.(type) {
		case float64:
			xs[i] = n
		case int64:
			xs[i] = float64(n)
		default:
			return nil, fmt.Errorf("element %d is not a number", i)
		}
	}
	return xs, nil
}

func stringSlice(v goja.Value) ([]string, error) {
	raw, ok := v.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of strings, got %T", v.Export())
	}
	out := make([]string, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		out[i] = s
	}
	return out, nil
}
