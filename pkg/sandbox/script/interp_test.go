package script

import (
	"fmt"
	"testing"
)

func runScript(t *testing.T, src string, globals map[string]Value) (Value, error) {
	t.Helper()
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	in, env := NewInterpreter()
	for name, v := range globals {
		env.Define(name, v)
	}
	if err := in.Run(prog); err != nil {
		return nil, err
	}
	main, ok := env.Get("main")
	if !ok {
		return nil, nil
	}
	return in.Call(main, nil)
}

func TestInterpArithmeticAndReturn(t *testing.T) {
	v, err := runScript(t, `
		function main() {
			return (2 + 3) * 4 - 1;
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(float64) != 19 {
		t.Errorf("got %v", v)
	}
}

func TestInterpStringConcat(t *testing.T) {
	v, err := runScript(t, `
		function main() {
			return "a" + "b" + 1;
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(string) != "ab1" {
		t.Errorf("got %v", v)
	}
}

func TestInterpIfElseBranching(t *testing.T) {
	v, err := runScript(t, `
		function classify(n) {
			if (n > 0) {
				return "positive";
			} else if (n < 0) {
				return "negative";
			} else {
				return "zero";
			}
		}
		function main() {
			return classify(-5);
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(string) != "negative" {
		t.Errorf("got %v", v)
	}
}

func TestInterpObjectAndArrayAccess(t *testing.T) {
	v, err := runScript(t, `
		function main() {
			var o = { name: "cap", tags: ["a", "b", "c"] };
			return o.name + ":" + o.tags[1];
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(string) != "cap:b" {
		t.Errorf("got %v", v)
	}
}

func TestInterpTryCatchThrow(t *testing.T) {
	v, err := runScript(t, `
		function main() {
			try {
				throw "boom";
			} catch (e) {
				return "caught:" + e;
			}
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(string) != "caught:boom" {
		t.Errorf("got %v", v)
	}
}

func TestInterpUncaughtThrowPropagates(t *testing.T) {
	_, err := runScript(t, `
		function main() {
			throw "fatal";
		}
	`, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	thrown, ok := err.(*ThrownValue)
	if !ok {
		t.Fatalf("got %T, want *ThrownValue", err)
	}
	if thrown.Value.(string) != "fatal" {
		t.Errorf("got %v", thrown.Value)
	}
}

func TestInterpAwaitBridgeCall(t *testing.T) {
	bridge := &Function{
		Async: true,
		Native: func(args []Value) (Value, error) {
			arg := args[0].(map[string]Value)
			return fmt.Sprintf("read:%v", arg["path"]), nil
		},
	}
	v, err := runScript(t, `
		async function main() {
			var r = await read({ path: "/tmp/x" });
			return r;
		}
	`, map[string]Value{"read": bridge})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	promise, ok := v.(*Promise)
	if !ok {
		t.Fatalf("got %T, want *Promise", v)
	}
	if promise.Value.(string) != "read:/tmp/x" {
		t.Errorf("got %v", promise.Value)
	}
}

func TestInterpAwaitBridgeCallError(t *testing.T) {
	bridge := &Function{
		Async: true,
		Native: func(args []Value) (Value, error) {
			return nil, fmt.Errorf("bridge failed")
		},
	}
	// main is itself async, so an unawaited-catch rejection surfaces as
	// the returned Promise's Err rather than a Go-level error.
	v, err := runScript(t, `
		async function main() {
			return await fail();
		}
	`, map[string]Value{"fail": bridge})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	promise, ok := v.(*Promise)
	if !ok {
		t.Fatalf("got %T, want *Promise", v)
	}
	if promise.Err == nil {
		t.Fatal("expected rejected promise")
	}
}

func TestInterpClosureOverOuterScope(t *testing.T) {
	v, err := runScript(t, `
		function makeAdder(n) {
			function add(x) {
				return x + n;
			}
			return add;
		}
		function main() {
			var add5 = makeAdder(5);
			return add5(10);
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(float64) != 15 {
		t.Errorf("got %v", v)
	}
}

func TestInterpAssignToArrayElement(t *testing.T) {
	v, err := runScript(t, `
		function main() {
			var arr = [1, 2, 3];
			arr[1] = 99;
			return arr[1];
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(float64) != 99 {
		t.Errorf("got %v", v)
	}
}

func TestInterpLogicalShortCircuit(t *testing.T) {
	v, err := runScript(t, `
		function main() {
			var calls = 0;
			function sideEffect() {
				calls = calls + 1;
				return true;
			}
			var r = false && sideEffect();
			return calls;
		}
	`, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.(float64) != 0 {
		t.Errorf("got %v, want short-circuit to skip sideEffect", v)
	}
}

func TestInterpUndefinedIdentifierErrors(t *testing.T) {
	_, err := runScript(t, `
		function main() {
			return doesNotExist;
		}
	`, nil)
	if err == nil {
		t.Fatal("expected error for undefined identifier")
	}
}
