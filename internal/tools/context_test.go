package tools

import (
	"context"
	"testing"
)

func TestInvocationFromContext(t *testing.T) {
	if _, ok := InvocationFromContext(context.Background()); ok {
		t.Error("bare context should carry no invocation")
	}

	inv := Invocation{ConversationID: "01J-conv", CallID: "call_1", UserID: "u1"}
	got, ok := InvocationFromContext(WithInvocation(context.Background(), inv))
	if !ok {
		t.Fatal("invocation not found")
	}
	if got.ConversationID != "01J-conv" || got.CallID != "call_1" || got.UserID != "u1" {
		t.Errorf("invocation = %+v", got)
	}
}
