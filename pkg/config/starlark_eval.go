package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// DefaultStarlarkTimeout bounds a script run when no timeout is configured.
const DefaultStarlarkTimeout = 5 * time.Second

// StarlarkEvaluator executes Starlark scripts safely.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes a Starlark script with the given input and returns its
// public globals. The script is cancelled when ctx ends or the timeout expires.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "studio",
		Print: func(*starlark.Thread, string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	result, err := se.evaluateSync(thread, script, input)
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("starlark execution timeout after %v: %w", se.timeout, err)
		}
		return &StarlarkResult{
			ExecutionTime: time.Since(startTime),
			Error:         err.Error(),
		}, err
	}
	result.ExecutionTime = time.Since(startTime)
	return result, nil
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, script string, input map[string]interface{}) (*StarlarkResult, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFile(thread, "script.star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// Skip private globals
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{Output: output}, nil
}

// HostnameScript computes public hostnames with a Starlark script. The script
// sees the globals resource and cluster and must set the global hostname.
// An empty result falls back to "<name>.<ingress domain>".
//
//	hostname = resource["name"] + "-" + resource["project"] + "." + cluster["ingress_domain"]
type HostnameScript struct {
	script    string
	evaluator *StarlarkEvaluator
}

// NewHostnameScript parses script and returns a hostname generator.
func NewHostnameScript(script string, timeout time.Duration) (*HostnameScript, error) {
	if script == "" {
		return nil, fmt.Errorf("hostname script is empty")
	}
	if _, err := syntax.Parse("hostname.star", script, 0); err != nil {
		return nil, fmt.Errorf("invalid hostname script: %w", err)
	}
	return &HostnameScript{script: script, evaluator: NewStarlarkEvaluator(timeout)}, nil
}

// Hostname runs the script for res placed on cluster.
func (h *HostnameScript) Hostname(res *engine.Resource, cluster *engine.Cluster) (string, error) {
	input := map[string]interface{}{
		"resource": resourceInput(res),
		"cluster":  clusterInput(cluster),
	}
	result, err := h.evaluator.Evaluate(context.Background(), h.script, input)
	if err != nil {
		return "", err
	}

	raw, ok := result.Output["hostname"]
	if !ok || raw == nil {
		return fallbackHostname(res, cluster), nil
	}
	hostname, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("hostname must be a string, got %T", raw)
	}
	if hostname == "" {
		return fallbackHostname(res, cluster), nil
	}
	return hostname, nil
}

func fallbackHostname(res *engine.Resource, cluster *engine.Cluster) string {
	if cluster == nil || cluster.IngressDomain == "" {
		return res.Name
	}
	return res.Name + "." + cluster.IngressDomain
}

func resourceInput(res *engine.Resource) map[string]interface{} {
	labels := make(map[string]interface{}, len(res.Labels))
	for k, v := range res.Labels {
		labels[k] = v
	}
	in := map[string]interface{}{
		"id":        res.ID,
		"short_id":  res.ShortID(),
		"name":      res.Name,
		"kind":      string(res.Kind),
		"namespace": res.DeployedNamespace,
		"labels":    labels,
		"project":   "",
	}
	if res.Project != nil {
		in["project"] = res.Project.Name
		in["project_id"] = res.Project.ID
		if in["namespace"] == "" {
			in["namespace"] = res.Project.Namespace
		}
	}
	return in
}

func clusterInput(c *engine.Cluster) map[string]interface{} {
	if c == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":             c.ID,
		"name":           c.Name,
		"zone":           c.Zone,
		"ingress_domain": c.IngressDomain,
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
