package protocol

import "testing"

func TestLookupFunction(t *testing.T) {
	cases := map[string]Function{
		"protocol":       FuncProtocol,
		"compress2":      FuncCompress2,
		"client-Message": FuncClientMessage,
		"client-Prompt":  FuncClientPrompt,
		"user-info":      FuncUser,
		"user-":          FuncUnknown,
		"client-Bogus":   FuncUnknown,
		"":               FuncUnknown,
	}
	for name, want := range cases {
		if got := LookupFunction(name); got != want {
			t.Fatalf("LookupFunction(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFunctionNames(t *testing.T) {
	for _, s := range functionSpecs {
		if s.fn.String() != s.name {
			t.Fatalf("%d: expect %q, got %q", s.fn, s.name, s.fn.String())
		}
		if LookupFunction(s.fn.String()) != s.fn {
			t.Fatalf("%q does not round trip", s.name)
		}
	}
	if FuncClientAck.Type() != TypeClient || FuncRelease.Type() != TypeControl || FuncUser.Type() != TypeUser {
		t.Fatal("unexpected function types")
	}
}

func TestUserFunction(t *testing.T) {
	if UserFunction("info") != "user-info" || UserFunction("user-info") != "user-info" {
		t.Fatal("UserFunction should add the prefix once")
	}
	if UserCommand("user-sync") != "sync" {
		t.Fatal("UserCommand should strip the prefix")
	}
}
