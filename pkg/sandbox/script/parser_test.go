package script

import "testing"

func TestParseFunctionDeclWithReturn(t *testing.T) {
	prog, err := Parse(`
		function add(a, b) {
			return a + b;
		}
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Body) != 1 {
		t.Fatalf("got %d top-level statements", len(prog.Body))
	}
	decl, ok := prog.Body[0].(*FunctionDecl)
	if !ok {
		t.Fatalf("got %T, want *FunctionDecl", prog.Body[0])
	}
	if decl.Name != "add" || len(decl.Params) != 2 {
		t.Errorf("got name=%q params=%v", decl.Name, decl.Params)
	}
	if len(decl.Body.Body) != 1 {
		t.Fatalf("got %d body statements", len(decl.Body.Body))
	}
	ret, ok := decl.Body.Body[0].(*ReturnStmt)
	if !ok {
		t.Fatalf("got %T, want *ReturnStmt", decl.Body.Body[0])
	}
	bin, ok := ret.Value.(*BinaryExpr)
	if !ok || bin.Op != "+" {
		t.Fatalf("got return value %+v", ret.Value)
	}
}

func TestParseIfElse(t *testing.T) {
	prog, err := Parse(`
		if (x > 0) {
			y = 1;
		} else if (x < 0) {
			y = -1;
		} else {
			y = 0;
		}
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ifStmt, ok := prog.Body[0].(*IfStmt)
	if !ok {
		t.Fatalf("got %T", prog.Body[0])
	}
	elseIf, ok := ifStmt.Else.(*IfStmt)
	if !ok {
		t.Fatalf("got else %T, want *IfStmt", ifStmt.Else)
	}
	if _, ok := elseIf.Else.(*BlockStmt); !ok {
		t.Fatalf("got final else %T, want *BlockStmt", elseIf.Else)
	}
}

func TestParseObjectAndArrayLiterals(t *testing.T) {
	prog, err := Parse(`var o = { a: 1, b: [2, 3, "x"] };`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	decl, ok := prog.Body[0].(*VarDecl)
	if !ok {
		t.Fatalf("got %T", prog.Body[0])
	}
	obj, ok := decl.Init.(*ObjectLit)
	if !ok || len(obj.Props) != 2 {
		t.Fatalf("got %+v", decl.Init)
	}
	arr, ok := obj.Props[1].Value.(*ArrayLit)
	if !ok || len(arr.Elements) != 3 {
		t.Fatalf("got %+v", obj.Props[1].Value)
	}
}

func TestParseMemberAndCallChain(t *testing.T) {
	prog, err := Parse(`mcp.fs.read({ path: "a" });`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	exprStmt, ok := prog.Body[0].(*ExprStmt)
	if !ok {
		t.Fatalf("got %T", prog.Body[0])
	}
	call, ok := exprStmt.Expr.(*CallExpr)
	if !ok {
		t.Fatalf("got %T", exprStmt.Expr)
	}
	member, ok := call.Callee.(*MemberExpr)
	if !ok || member.Property != "read" {
		t.Fatalf("got callee %+v", call.Callee)
	}
	inner, ok := member.Object.(*MemberExpr)
	if !ok || inner.Property != "fs" {
		t.Fatalf("got inner object %+v", member.Object)
	}
}

func TestParseComputedMemberAndAssign(t *testing.T) {
	prog, err := Parse(`arr[0] = x;`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	exprStmt := prog.Body[0].(*ExprStmt)
	assign, ok := exprStmt.Expr.(*AssignExpr)
	if !ok {
		t.Fatalf("got %T", exprStmt.Expr)
	}
	member, ok := assign.Target.(*MemberExpr)
	if !ok || !member.Computed {
		t.Fatalf("got target %+v", assign.Target)
	}
}

func TestParseTryCatchThrow(t *testing.T) {
	prog, err := Parse(`
		try {
			throw "boom";
		} catch (e) {
			return e;
		}
	`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tryStmt, ok := prog.Body[0].(*TryStmt)
	if !ok {
		t.Fatalf("got %T", prog.Body[0])
	}
	if tryStmt.CatchParam != "e" {
		t.Errorf("got catch param %q", tryStmt.CatchParam)
	}
	if _, ok := tryStmt.Try.Body[0].(*ThrowStmt); !ok {
		t.Fatalf("got try body stmt %T", tryStmt.Try.Body[0])
	}
}

func TestParseAwaitExpression(t *testing.T) {
	prog, err := Parse(`async function f() { var r = await mcp.fs.read({}); return r; }`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	decl, ok := prog.Body[0].(*FunctionDecl)
	if !ok || !decl.Async {
		t.Fatalf("got %+v", prog.Body[0])
	}
	varDecl, ok := decl.Body.Body[0].(*VarDecl)
	if !ok {
		t.Fatalf("got %T", decl.Body.Body[0])
	}
	if _, ok := varDecl.Init.(*AwaitExpr); !ok {
		t.Fatalf("got init %T", varDecl.Init)
	}
}

func TestParseLogicalAndComparisonPrecedence(t *testing.T) {
	prog, err := Parse(`var ok = a > 0 && b < 10 || c == 1;`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	decl := prog.Body[0].(*VarDecl)
	top, ok := decl.Init.(*LogicalExpr)
	if !ok || top.Op != "||" {
		t.Fatalf("got %+v", decl.Init)
	}
	left, ok := top.Left.(*LogicalExpr)
	if !ok || left.Op != "&&" {
		t.Fatalf("got left %+v", top.Left)
	}
}

func TestParseRejectsUnexpectedToken(t *testing.T) {
	_, err := Parse(`var x = ;`)
	if err == nil {
		t.Fatal("expected parse error")
	}
}
