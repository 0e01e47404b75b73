package vm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	flowerrors "flow/internal/errors"
)

// fileCache memoizes read_file by path, guarded by singleflight so two
// concurrent (or re-entrant, from map/filter callbacks) readers of the same
// path never duplicate the underlying syscall. write_file invalidates the
// entry for the path it writes.
type fileCache struct {
	group singleflight.Group
	cache map[string]string
}

func newFileCache() *fileCache {
	return &fileCache{cache: make(map[string]string)}
}

func (fc *fileCache) read(path string) (string, error) {
	if v, ok := fc.cache[path]; ok {
		return v, nil
	}
	v, err, _ := fc.group.Do(path, func() (interface{}, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return "", err
	}
	fc.cache[path] = v.(string)
	return v.(string), nil
}

func (fc *fileCache) invalidate(path string) {
	delete(fc.cache, path)
}

func printValues(vals []Value) {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = ToString(v)
	}
	fmt.Println(strings.Join(parts, " "))
}

func nf(name string, fn func(host Caller, args []Value) (Value, error)) *NativeFunction {
	return &NativeFunction{Name: name, Fn: fn}
}

func arityErr(name string, want int, got int) error {
	return &flowerrors.FlowError{
		Kind:    flowerrors.ArityError,
		Message: fmt.Sprintf("%s expects %d argument(s), got %d", name, want, got),
	}
}

func typeErrf(format string, args ...interface{}) error {
	return &flowerrors.FlowError{Kind: flowerrors.TypeError, Message: fmt.Sprintf(format, args...)}
}

func asFloat(name string, v Value) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, typeErrf("%s expects a number, got %s", name, TypeName(v))
}

func asInt(name string, v Value) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	}
	return 0, typeErrf("%s expects an integer, got %s", name, TypeName(v))
}

func asString(name string, v Value) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", typeErrf("%s expects a string, got %s", name, TypeName(v))
	}
	return s, nil
}

func asList(name string, v Value) (*ListValue, error) {
	l, ok := v.(*ListValue)
	if !ok {
		return nil, typeErrf("%s expects a list, got %s", name, TypeName(v))
	}
	return l, nil
}

// registerBuiltins builds the pinned built-in registry: referencing any
// name outside this table is a NameError (spec.md §6), dispatched only by
// exact name, never by reflection.
func registerBuiltins() map[string]*NativeFunction {
	reg := map[string]*NativeFunction{}
	add := func(n *NativeFunction) { reg[n.Name] = n }

	// File I/O
	add(nf("read_file", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("read_file", 1, len(a))
		}
		path, err := asString("read_file", a[0])
		if err != nil {
			return nil, err
		}
		content, err := host.ReadFile(path)
		if err != nil {
			return nil, &flowerrors.FlowError{Kind: flowerrors.IOError, Message: err.Error()}
		}
		return content, nil
	}))
	add(nf("write_file", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("write_file", 2, len(a))
		}
		path, err := asString("write_file", a[0])
		if err != nil {
			return nil, err
		}
		content, err := asString("write_file", a[1])
		if err != nil {
			return nil, err
		}
		if err := host.WriteFile(path, content); err != nil {
			return nil, &flowerrors.FlowError{Kind: flowerrors.IOError, Message: err.Error()}
		}
		return nil, nil
	}))

	// Numeric
	unary := func(name string, f func(float64) float64) {
		add(nf(name, func(host Caller, a []Value) (Value, error) {
			if len(a) != 1 {
				return nil, arityErr(name, 1, len(a))
			}
			x, err := asFloat(name, a[0])
			if err != nil {
				return nil, err
			}
			return f(x), nil
		}))
	}
	unary("sqrt", math.Sqrt)
	unary("log", math.Log)
	unary("sin", math.Sin)
	unary("cos", math.Cos)
	unary("tan", math.Tan)
	add(nf("pow", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("pow", 2, len(a))
		}
		base, err := asFloat("pow", a[0])
		if err != nil {
			return nil, err
		}
		exp, err := asFloat("pow", a[1])
		if err != nil {
			return nil, err
		}
		return math.Pow(base, exp), nil
	}))
	add(nf("floor", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("floor", 1, len(a))
		}
		x, err := asFloat("floor", a[0])
		if err != nil {
			return nil, err
		}
		return int64(math.Floor(x)), nil
	}))
	add(nf("ceil", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("ceil", 1, len(a))
		}
		x, err := asFloat("ceil", a[0])
		if err != nil {
			return nil, err
		}
		return int64(math.Ceil(x)), nil
	}))
	add(nf("round", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("round", 1, len(a))
		}
		x, err := asFloat("round", a[0])
		if err != nil {
			return nil, err
		}
		return int64(math.Round(x)), nil
	}))
	add(nf("abs", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("abs", 1, len(a))
		}
		switch x := a[0].(type) {
		case int64:
			if x < 0 {
				return -x, nil
			}
			return x, nil
		case float64:
			return math.Abs(x), nil
		}
		return nil, typeErrf("abs expects a number, got %s", TypeName(a[0]))
	}))

	// Sequence
	add(nf("len", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("len", 1, len(a))
		}
		switch x := a[0].(type) {
		case *ListValue:
			return int64(len(x.Items)), nil
		case TupleValue:
			return int64(len(x)), nil
		case string:
			return int64(len(x)), nil
		}
		return nil, typeErrf("len expects a sequence, got %s", TypeName(a[0]))
	}))
	add(nf("append", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("append", 2, len(a))
		}
		l, err := asList("append", a[0])
		if err != nil {
			return nil, err
		}
		l.Items = append(l.Items, a[1])
		return l, nil
	}))
	add(nf("pop", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("pop", 1, len(a))
		}
		l, err := asList("pop", a[0])
		if err != nil {
			return nil, err
		}
		if len(l.Items) == 0 {
			return nil, &flowerrors.FlowError{Kind: flowerrors.IndexError, Message: "pop from empty list"}
		}
		last := l.Items[len(l.Items)-1]
		l.Items = l.Items[:len(l.Items)-1]
		return last, nil
	}))
	add(nf("range", func(host Caller, a []Value) (Value, error) {
		var start, stop, step int64 = 0, 0, 1
		switch len(a) {
		case 1:
			v, err := asInt("range", a[0])
			if err != nil {
				return nil, err
			}
			stop = v
		case 2:
			v0, err := asInt("range", a[0])
			if err != nil {
				return nil, err
			}
			v1, err := asInt("range", a[1])
			if err != nil {
				return nil, err
			}
			start, stop = v0, v1
		case 3:
			v0, err := asInt("range", a[0])
			if err != nil {
				return nil, err
			}
			v1, err := asInt("range", a[1])
			if err != nil {
				return nil, err
			}
			v2, err := asInt("range", a[2])
			if err != nil {
				return nil, err
			}
			start, stop, step = v0, v1, v2
		default:
			return nil, arityErr("range", 1, len(a))
		}
		var items []Value
		if step > 0 {
			for i := start; i < stop; i += step {
				items = append(items, i)
			}
		} else if step < 0 {
			for i := start; i > stop; i += step {
				items = append(items, i)
			}
		}
		return &ListValue{Items: items}, nil
	}))
	add(nf("sort", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("sort", 1, len(a))
		}
		l, err := asList("sort", a[0])
		if err != nil {
			return nil, err
		}
		sorted := make([]Value, len(l.Items))
		copy(sorted, l.Items)
		var sortErr error
		sort.SliceStable(sorted, func(i, j int) bool {
			lt, err := lessThan(sorted[i], sorted[j])
			if err != nil {
				sortErr = err
			}
			return lt
		})
		if sortErr != nil {
			return nil, sortErr
		}
		return &ListValue{Items: sorted}, nil
	}))
	add(nf("reverse", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("reverse", 1, len(a))
		}
		l, err := asList("reverse", a[0])
		if err != nil {
			return nil, err
		}
		out := make([]Value, len(l.Items))
		for i, v := range l.Items {
			out[len(out)-1-i] = v
		}
		return &ListValue{Items: out}, nil
	}))
	add(nf("contains", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("contains", 2, len(a))
		}
		switch x := a[0].(type) {
		case *ListValue:
			for _, v := range x.Items {
				if valuesEqual(v, a[1]) {
					return true, nil
				}
			}
			return false, nil
		case string:
			needle, err := asString("contains", a[1])
			if err != nil {
				return nil, err
			}
			return strings.Contains(x, needle), nil
		}
		return nil, typeErrf("contains expects a sequence, got %s", TypeName(a[0]))
	}))
	add(nf("sum", func(host Caller, a []Value) (Value, error) {
		items, err := sequenceArgs("sum", a)
		if err != nil {
			return nil, err
		}
		var isum int64
		var fsum float64
		anyFloat := false
		for _, v := range items {
			switch x := v.(type) {
			case int64:
				isum += x
				fsum += float64(x)
			case float64:
				anyFloat = true
				fsum += x
			default:
				return nil, typeErrf("sum expects numbers, got %s", TypeName(v))
			}
		}
		if anyFloat {
			return fsum, nil
		}
		return isum, nil
	}))
	add(nf("min", func(host Caller, a []Value) (Value, error) {
		return minmax("min", a, true)
	}))
	add(nf("max", func(host Caller, a []Value) (Value, error) {
		return minmax("max", a, false)
	}))

	// String
	add(nf("split", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("split", 2, len(a))
		}
		s, err := asString("split", a[0])
		if err != nil {
			return nil, err
		}
		sep, err := asString("split", a[1])
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s, sep)
		items := make([]Value, len(parts))
		for i, p := range parts {
			items[i] = p
		}
		return &ListValue{Items: items}, nil
	}))
	add(nf("join", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("join", 2, len(a))
		}
		l, err := asList("join", a[0])
		if err != nil {
			return nil, err
		}
		sep, err := asString("join", a[1])
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(l.Items))
		for i, v := range l.Items {
			parts[i] = ToString(v)
		}
		return strings.Join(parts, sep), nil
	}))
	add(nf("ord", func(host Caller, a []Value) (Value, error) {
		s, err := asString("ord", a[0])
		if err != nil {
			return nil, err
		}
		if len(s) == 0 {
			return nil, typeErrf("ord expects a non-empty string")
		}
		return int64([]rune(s)[0]), nil
	}))
	add(nf("chr", func(host Caller, a []Value) (Value, error) {
		i, err := asInt("chr", a[0])
		if err != nil {
			return nil, err
		}
		return string(rune(i)), nil
	}))
	add(nf("hex", func(host Caller, a []Value) (Value, error) {
		i, err := asInt("hex", a[0])
		if err != nil {
			return nil, err
		}
		return "0x" + strconv.FormatInt(i, 16), nil
	}))
	add(nf("bin", func(host Caller, a []Value) (Value, error) {
		i, err := asInt("bin", a[0])
		if err != nil {
			return nil, err
		}
		return "0b" + strconv.FormatInt(i, 2), nil
	}))

	// Time
	add(nf("time", func(host Caller, a []Value) (Value, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	}))
	add(nf("sleep", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("sleep", 1, len(a))
		}
		secs, err := asFloat("sleep", a[0])
		if err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(secs * float64(time.Second)))
		return nil, nil
	}))

	// Random
	add(nf("random", func(host Caller, a []Value) (Value, error) {
		return rand.Float64(), nil
	}))
	add(nf("randint", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("randint", 2, len(a))
		}
		lo, err := asInt("randint", a[0])
		if err != nil {
			return nil, err
		}
		hi, err := asInt("randint", a[1])
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, typeErrf("randint: upper bound below lower bound")
		}
		return lo + rand.Int63n(hi-lo+1), nil
	}))
	add(nf("shuffle", func(host Caller, a []Value) (Value, error) {
		l, err := asList("shuffle", a[0])
		if err != nil {
			return nil, err
		}
		out := make([]Value, len(l.Items))
		copy(out, l.Items)
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return &ListValue{Items: out}, nil
	}))

	// Type conversion
	add(nf("int", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("int", 1, len(a))
		}
		switch x := a[0].(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, typeErrf("cannot convert %q to integer", x)
			}
			return i, nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return nil, typeErrf("cannot convert %s to integer", TypeName(a[0]))
	}))
	add(nf("float", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("float", 1, len(a))
		}
		switch x := a[0].(type) {
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, typeErrf("cannot convert %q to floating", x)
			}
			return f, nil
		}
		return nil, typeErrf("cannot convert %s to floating", TypeName(a[0]))
	}))
	add(nf("str", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("str", 1, len(a))
		}
		return ToString(a[0]), nil
	}))
	add(nf("type", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("type", 1, len(a))
		}
		return TypeName(a[0]), nil
	}))

	// I/O
	add(nf("input", func(host Caller, a []Value) (Value, error) {
		if len(a) == 1 {
			s, err := asString("input", a[0])
			if err == nil {
				fmt.Print(s)
			}
		}
		var line string
		fmt.Scanln(&line)
		return line, nil
	}))
	add(nf("exit", func(host Caller, a []Value) (Value, error) {
		code := 0
		if len(a) == 1 {
			if c, err := asInt("exit", a[0]); err == nil {
				code = int(c)
			}
		}
		os.Exit(code)
		return nil, nil
	}))

	// Serialization — the one pair of builtins with no grounded third-party
	// alternative across the retrieved pack; encoding/json is the standard
	// library's own JSON codec and every example repo that touches JSON
	// uses it directly rather than an external library.
	add(nf("json_parse", func(host Caller, a []Value) (Value, error) {
		s, err := asString("json_parse", a[0])
		if err != nil {
			return nil, err
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, &flowerrors.FlowError{Kind: flowerrors.RuntimeError, Message: "json_parse: " + err.Error()}
		}
		return fromJSON(decoded), nil
	}))
	add(nf("json_stringify", func(host Caller, a []Value) (Value, error) {
		if len(a) != 1 {
			return nil, arityErr("json_stringify", 1, len(a))
		}
		data, err := json.Marshal(toJSON(a[0]))
		if err != nil {
			return nil, &flowerrors.FlowError{Kind: flowerrors.RuntimeError, Message: "json_stringify: " + err.Error()}
		}
		return string(data), nil
	}))

	// Functional — call back into a Flow function value via host.CallValue so
	// a bytecode closure and a native function are equally valid callbacks.
	add(nf("map", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("map", 2, len(a))
		}
		l, err := asList("map", a[0])
		if err != nil {
			return nil, err
		}
		out := make([]Value, len(l.Items))
		for i, v := range l.Items {
			res, err := host.CallValue(a[1], []Value{v})
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return &ListValue{Items: out}, nil
	}))
	add(nf("filter", func(host Caller, a []Value) (Value, error) {
		if len(a) != 2 {
			return nil, arityErr("filter", 2, len(a))
		}
		l, err := asList("filter", a[0])
		if err != nil {
			return nil, err
		}
		var out []Value
		for _, v := range l.Items {
			res, err := host.CallValue(a[1], []Value{v})
			if err != nil {
				return nil, err
			}
			if Truthy(res) {
				out = append(out, v)
			}
		}
		return &ListValue{Items: out}, nil
	}))
	add(nf("reduce", func(host Caller, a []Value) (Value, error) {
		if len(a) != 3 {
			return nil, arityErr("reduce", 3, len(a))
		}
		l, err := asList("reduce", a[0])
		if err != nil {
			return nil, err
		}
		acc := a[2]
		for _, v := range l.Items {
			acc, err = host.CallValue(a[1], []Value{acc, v})
			if err != nil {
				return nil, err
			}
		}
		return acc, nil
	}))

	// Diagnostic — mints a fresh identifier on every call (spawn's compiled
	// lowering calls this and discards the result purely for the minting
	// side effect; a direct user call gets the same fresh identifier back).
	add(nf("task_id", func(host Caller, a []Value) (Value, error) {
		return host.MintTaskID(), nil
	}))

	return reg
}

func lessThan(a, b Value) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs, nil
	}
	return false, typeErrf("cannot order %s and %s", TypeName(a), TypeName(b))
}

func sequenceArgs(name string, a []Value) ([]Value, error) {
	if len(a) == 1 {
		if l, ok := a[0].(*ListValue); ok {
			return l.Items, nil
		}
		if t, ok := a[0].(TupleValue); ok {
			return []Value(t), nil
		}
	}
	return a, nil
}

func minmax(name string, a []Value, wantMin bool) (Value, error) {
	items, err := sequenceArgs(name, a)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, typeErrf("%s of empty sequence", name)
	}
	best := items[0]
	for _, v := range items[1:] {
		lt, err := lessThan(v, best)
		if err != nil {
			return nil, err
		}
		if lt == wantMin {
			best = v
		}
	}
	return best, nil
}

// mintTaskID mints a fresh diagnostic identifier, records it in lastTaskID
// and returns it; the task_id builtin calls it (via MintTaskID) every time.
func (vm *VM) mintTaskID() string {
	id := uuid.NewString()
	vm.lastTaskID = id
	return id
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func fromJSON(v interface{}) Value {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case float64:
		if x == math.Trunc(x) {
			return int64(x)
		}
		return x
	case string:
		return x
	case []interface{}:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = fromJSON(e)
		}
		return &ListValue{Items: items}
	case map[string]interface{}:
		// Flow has no map literal in its closed data model; represent a JSON
		// object as a list of [key, value] pairs, mirroring how match's
		// tuple patterns already destructure pairs.
		items := make([]Value, 0, len(x))
		for k, e := range x {
			items = append(items, TupleValue{k, fromJSON(e)})
		}
		return &ListValue{Items: items}
	}
	return nil
}

func toJSON(v Value) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case bool, int64, float64, string:
		return x
	case *ListValue:
		out := make([]interface{}, len(x.Items))
		for i, e := range x.Items {
			out[i] = toJSON(e)
		}
		return out
	case TupleValue:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = toJSON(e)
		}
		return out
	}
	return fmt.Sprintf("%v", v)
}
