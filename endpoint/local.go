package endpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/result"
	"github.com/pithecene-io/coco/types"
)

// cocoHost attributes built-in replies to the controller itself.
var cocoHost = types.Host{Hostname: "coco"}

// builtinMethods maps the built-in endpoints to their accepted method.
var builtinMethods = map[string]string{
	"blocklist":        "GET",
	"update-blocklist": "POST",
	"wait":             "POST",
	"reset-state":      "POST",
	"save-state":       "POST",
	"load-state":       "POST",
	"saved-states":     "GET",
}

// IsBuiltin reports whether name is a built-in endpoint.
func IsBuiltin(name string) bool {
	_, ok := builtinMethods[name]
	return ok
}

// BuiltinMethod returns the method a built-in endpoint accepts.
func BuiltinMethod(name string) (string, bool) {
	method, ok := builtinMethods[name]
	return method, ok
}

// builtin executes a built-in endpoint. Built-ins bypass fan-out and
// answer as the pseudo-host "coco" with a FULL-typed single result.
func (e *Engine) builtin(ctx context.Context, name string, request map[string]any) (*result.Result, error) {
	switch name {
	case "blocklist":
		return e.builtinReply(name, map[string]any{"blocklist": e.blocklist.Strings()}), nil

	case "update-blocklist":
		command, _ := request["command"].(string)
		var hosts []string
		if raw, ok := request["hosts"]; ok {
			var err error
			if hosts, err = stringList(raw); err != nil {
				return nil, apierror.InvalidUsage(fmt.Sprintf("Invalid hosts: %v.", err))
			}
		}
		var err error
		switch command {
		case "add":
			err = e.blocklist.Add(hosts)
		case "remove":
			err = e.blocklist.Remove(hosts)
		case "clear":
			err = e.blocklist.Clear()
		default:
			return nil, apierror.InvalidUsage(fmt.Sprintf("Unknown blocklist command '%s'.", command))
		}
		if err != nil {
			return nil, err
		}
		return e.builtinReply(name, map[string]any{"blocklist": e.blocklist.Strings()}), nil

	case "wait":
		raw, ok := request["duration"]
		if !ok {
			return nil, apierror.InvalidUsage("Missing value: duration.")
		}
		d, err := types.ParseDeltaValue(raw)
		if err != nil {
			return nil, apierror.InvalidUsage(fmt.Sprintf("Invalid duration: %v.", err))
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.builtinReply(name, map[string]any{"duration": d.Seconds()}), nil

	case "reset-state":
		if err := e.state.Reset(); err != nil {
			return nil, err
		}
		return e.builtinReply(name, map[string]any{}), nil

	case "save-state":
		sname, ok := request["name"].(string)
		if !ok {
			return nil, apierror.InvalidUsage("Missing value: name.")
		}
		overwrite, _ := request["overwrite"].(bool)
		if err := e.state.Save(sname, overwrite); err != nil {
			return nil, err
		}
		return e.builtinReply(name, map[string]any{}), nil

	case "load-state":
		sname, ok := request["name"].(string)
		if !ok {
			return nil, apierror.InvalidUsage("Missing value: name.")
		}
		if err := e.state.Load(sname); err != nil {
			return nil, err
		}
		return e.builtinReply(name, map[string]any{}), nil

	case "saved-states":
		return e.builtinReply(name, map[string]any{"saved_states": e.state.SavedStates()}), nil
	}
	return nil, apierror.InvalidPath(fmt.Sprintf("Endpoint /%s not found.", name))
}

func (e *Engine) builtinReply(name string, body map[string]any) *result.Result {
	return result.NewSingle(name, cocoHost, body, 200)
}
