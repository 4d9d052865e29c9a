package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"mobxlens/internal/pathedit"
)

// ErrHandleGone is returned when the page no longer holds a referenced object,
// typically after a reload.
var ErrHandleGone = errors.New("page object handle gone")

// evalTimeout bounds a single round trip into the page.
const evalTimeout = 3 * time.Second

// evaluator runs a JS function in the page and returns its result by value.
type evaluator interface {
	Eval(ctx context.Context, js string, args ...any) (gson.JSON, error)
}

type pageEvaluator struct {
	page *rod.Page
}

func (e pageEvaluator) Eval(ctx context.Context, js string, args ...any) (gson.JSON, error) {
	res, err := e.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return gson.JSON{}, err
	}
	return res.Value, nil
}

const (
	jsToPlain = `(id) => window.__MOBX_DEVTOOLS_GLOBAL_HOOK__.__toPlain(id)`
	jsSetPath = `(id, keys, raw) => window.__MOBX_DEVTOOLS_GLOBAL_HOOK__.__setPath(id, keys, raw)`
)

// RemoteObject is a page object referenced by its shim handle. It is what the
// engine registers as a store when capturing from a browser.
type RemoteObject struct {
	Handle int
	// Type is the constructor name reported by the page.
	Type string

	ev evaluator
}

// ToPlain fetches the object's plain snapshot from the page.
func (o *RemoteObject) ToPlain() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	res, err := o.ev.Eval(ctx, jsToPlain, o.Handle)
	if err != nil {
		return nil, fmt.Errorf("snapshot handle %d: %w", o.Handle, err)
	}
	var out struct {
		Found bool            `json:"found"`
		Value json.RawMessage `json:"value"`
	}
	if err := decodeJSON(res, &out); err != nil {
		return nil, err
	}
	if !out.Found {
		return nil, fmt.Errorf("%w: %d", ErrHandleGone, o.Handle)
	}
	if len(out.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(out.Value, &v); err != nil {
		return nil, fmt.Errorf("decode snapshot of handle %d: %w", o.Handle, err)
	}
	return v, nil
}

// SetPath assigns raw at keys inside the page object. The page coerces raw
// against the current value the same way pathedit.Coerce does.
func (o *RemoteObject) SetPath(keys []pathedit.Key, raw string) error {
	if len(keys) == 0 {
		return pathedit.ErrEmptyPath
	}
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	res, err := o.ev.Eval(ctx, jsSetPath, o.Handle, pathedit.Values(keys), raw)
	if err != nil {
		return fmt.Errorf("set %s on handle %d: %w", pathedit.Format(keys), o.Handle, err)
	}
	var out struct {
		OK      bool   `json:"ok"`
		Missing bool   `json:"missing"`
		Error   string `json:"error"`
	}
	if err := decodeJSON(res, &out); err != nil {
		return err
	}
	switch {
	case out.OK:
		return nil
	case out.Missing:
		return fmt.Errorf("%w: %s (%s)", pathedit.ErrNotFound, pathedit.Format(keys), out.Error)
	default:
		return fmt.Errorf("set %s: %s", pathedit.Format(keys), out.Error)
	}
}

func (o *RemoteObject) String() string {
	return fmt.Sprintf("%s#%d", o.Type, o.Handle)
}

func decodeJSON(v gson.JSON, dst any) error {
	if v.Nil() {
		return errors.New("page returned no value")
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
