package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"
)

type fixedSigner struct{ seen []byte }

func (f *fixedSigner) SignMessage(_ context.Context, payload []byte) ([]byte, error) {
	f.seen = append([]byte(nil), payload...)
	return []byte{0xde, 0xad}, nil
}

func TestEncodeSignsExactReqBytes(t *testing.T) {
	s := &fixedSigner{}
	req := NewRequest(7, MethodGetAppSessions, GetAppSessionsParams{Participant: "0x1"}, time.UnixMilli(1700000000000))

	raw, err := Encode(context.Background(), req, s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	in, err := ParseRequest(raw)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	if string(in.Raw) != string(s.seen) {
		t.Fatalf("signed bytes %s differ from envelope req %s", s.seen, in.Raw)
	}
	if in.ID != 7 || in.Method != MethodGetAppSessions || in.Timestamp != 1700000000000 {
		t.Fatalf("unexpected tuple: %+v", in)
	}
	if len(in.Sig) != 1 || in.Sig[0] != "0xdead" {
		t.Fatalf("unexpected sig: %v", in.Sig)
	}
	if !strings.HasPrefix(string(in.Raw), `[7,"get_app_sessions",{"participant":"0x1"},`) {
		t.Fatalf("unexpected req layout: %s", in.Raw)
	}
}

func TestEncodeWithoutSigner(t *testing.T) {
	raw, err := Encode(context.Background(), NewRequest(1, MethodAuthRequest, nil, time.Now()), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"sig":[]`) {
		t.Fatalf("expected empty sig list, got %s", raw)
	}
}

func TestParseResponseForms(t *testing.T) {
	res, err := ParseResponse([]byte(`{"res":[3,"create_channel",{"channel_id":"0xabc"},1700],"sig":["0x01"]}`))
	if err != nil {
		t.Fatalf("parse res form: %v", err)
	}
	if res.ID != 3 || res.Method != MethodCreateChannel || res.Timestamp != 1700 {
		t.Fatalf("unexpected response: %+v", res)
	}
	var cr ChannelResult
	if err := res.Decode(&cr); err != nil || cr.ChannelID != "0xabc" {
		t.Fatalf("decode: %+v %v", cr, err)
	}

	res, err = ParseResponse([]byte(`{"method":"auth_challenge","params":{"challenge_message":"xyz"}}`))
	if err != nil {
		t.Fatalf("parse method form: %v", err)
	}
	var ch AuthChallengeParams
	if err := res.Decode(&ch); err != nil || ch.ChallengeMessage != "xyz" || res.ID != 0 {
		t.Fatalf("unexpected challenge: %+v %v", ch, err)
	}

	for _, bad := range []string{`not json`, `{}`, `{"res":[1]}`, `{"res":[1,"",{}]}`} {
		if _, err := ParseResponse([]byte(bad)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %s, got %v", bad, err)
		}
	}
}

func TestDecodeUnwrapsSingleElementArray(t *testing.T) {
	res := Response{Method: MethodResizeChannel, Params: json.RawMessage(`[{"channel_id":"0xdef"}]`)}
	var cr ChannelResult
	if err := res.Decode(&cr); err != nil || cr.ChannelID != "0xdef" {
		t.Fatalf("expected unwrap, got %+v %v", cr, err)
	}

	var list []AppSession
	res.Params = json.RawMessage(`[{"app_session_id":"a"},{"app_session_id":"b"}]`)
	if err := res.Decode(&list); err != nil || len(list) != 2 {
		t.Fatalf("expected slice decode, got %v %v", list, err)
	}
}

func TestErrorMessageShapes(t *testing.T) {
	cases := map[string]string{
		`{"error":"channel not found"}`:   "channel not found",
		`"resize already ongoing"`:        "resize already ongoing",
		`[{"error":"session expired"}]`:   "session expired",
		`["bare"]`:                        "bare",
		`{"unexpected":true}`:             `{"unexpected":true}`,
	}
	for params, want := range cases {
		got := Response{Method: MethodError, Params: json.RawMessage(params)}.ErrorMessage()
		if got != want {
			t.Fatalf("params %s: got %q want %q", params, got, want)
		}
	}
	if (Response{Method: MethodError}).ErrorMessage() == "" {
		t.Fatal("expected fallback text for empty params")
	}
}

func TestBigIntJSON(t *testing.T) {
	var v struct {
		A BigInt `json:"a"`
		B BigInt `json:"b"`
		C BigInt `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1000000000000000000000","b":42,"c":"-5"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	if v.A.Big().Cmp(want) != 0 || v.B.Big().Int64() != 42 || v.C.Big().Int64() != -5 {
		t.Fatalf("unexpected values: %s %s %s", v.A.Big(), v.B.Big(), v.C.Big())
	}

	out, err := json.Marshal(ResizeChannelParams{ResizeAmount: NewBigInt(big.NewInt(10)), AllocateAmount: NewBigInt(big.NewInt(-3))})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"resize_amount":"10"`) || !strings.Contains(string(out), `"allocate_amount":"-3"`) {
		t.Fatalf("unexpected encoding: %s", out)
	}

	var bad BigInt
	if err := json.Unmarshal([]byte(`"1.5"`), &bad); err == nil {
		t.Fatal("expected error for fractional integer")
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	raw, err := EncodeResponse(9, MethodTransfer, TransferResult{}, time.UnixMilli(5))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := ParseResponse(raw)
	if err != nil || res.ID != 9 || res.Method != MethodTransfer {
		t.Fatalf("unexpected: %+v %v", res, err)
	}
}

func TestChannelResultHelpers(t *testing.T) {
	cr := ChannelResult{
		State: &ChannelState{Allocations: []Allocation{
			{Amount: NewBigInt(big.NewInt(70))},
			{Amount: NewBigInt(big.NewInt(30))},
		}},
	}
	if cr.AllocationSum().Int64() != 100 {
		t.Fatalf("expected sum 100, got %s", cr.AllocationSum())
	}
	if cr.HasSettlement() {
		t.Fatal("no server signature means no settlement payload")
	}
	cr.ServerSignature = "0x01"
	if !cr.HasSettlement() {
		t.Fatal("expected settlement payload")
	}
	if (ChannelResult{}).AllocationSum().Sign() != 0 {
		t.Fatal("expected zero sum without state")
	}
}

func TestMethodSets(t *testing.T) {
	if !MethodTransfer.IsOperation() || MethodAuthVerify.IsOperation() {
		t.Fatal("unexpected operation classification")
	}
	if !MethodBalanceUpdate.IsNotification() || MethodError.IsNotification() {
		t.Fatal("unexpected notification classification")
	}
}
