package commands

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"

	"github.com/LeoFranklin015/Median-sub000/internal/chain"
	"github.com/LeoFranklin015/Median-sub000/internal/channel"
	"github.com/LeoFranklin015/Median-sub000/internal/nodetest"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/session"
)

func TestPrintSession(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printSession(&buf, session.Info{
		Status:     session.Authenticated,
		State:      "authenticated",
		Wallet:     common.HexToAddress("0xaa"),
		SessionKey: common.HexToAddress("0xbb"),
		ExpiresAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastError:  "",
	})
	out := buf.String()
	if !ordered(out, "Status: authenticated", "Wallet: 0x", "Session key: 0x", "Expires: 2026-01-01T00:00:00Z") {
		t.Fatalf("unexpected session output:\n%s", out)
	}
	if strings.Contains(out, "Last error") {
		t.Fatalf("unexpected last error line:\n%s", out)
	}
}

func TestPrintChannelAndBalances(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	printChannel(&buf, channel.Record{}, false, channel.NoChannel)
	if strings.TrimSpace(buf.String()) != "No channel" {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	printChannel(&buf, channel.Record{ChannelID: "0x01", Balance: "250", ChainID: 137}, true, channel.Funded)
	if !ordered(buf.String(), "Channel: 0x01", "State: funded", "Balance: 250", "Chain: 137") {
		t.Fatalf("unexpected channel output:\n%s", buf.String())
	}

	buf.Reset()
	printBalances(&buf, map[string]string{"usdc": "1.5", "eth": "2"})
	if !ordered(buf.String(), "eth: 2", "usdc: 1.5") {
		t.Fatalf("balances not sorted:\n%s", buf.String())
	}

	buf.Reset()
	printAppSessions(&buf, []rpc.AppSession{{AppSessionID: "0xabc", Status: "open", Version: 3, Protocol: "nitroliterpc"}})
	if !strings.Contains(buf.String(), "open     0xabc v3 nitroliterpc") {
		t.Fatalf("unexpected app sessions output:\n%s", buf.String())
	}
}

func TestParseAmount(t *testing.T) {
	if v, err := parseAmount("amount", "1000000"); err != nil || v.Int64() != 1000000 {
		t.Fatalf("parse: %v %v", v, err)
	}
	for _, bad := range []string{"", "-1", "1.5", "abc"} {
		if _, err := parseAmount("amount", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func setupEnv(t *testing.T, url string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	t.Setenv("CHANCTL_CLEARNODE_URL", url)
	t.Setenv("CHANCTL_KEYSTORE_PATH", filepath.Join(t.TempDir(), "keystore.json"))
	t.Setenv("CHANCTL_KEYSTORE_PASSPHRASE", "test passphrase")
	t.Setenv("CHANCTL_WALLET_KEY", hex.EncodeToString(crypto.FromECDSA(key)))
	t.Setenv("CHANCTL_LOG_LEVEL", "error")
	t.Setenv("CHANCTL_REQUEST_TIMEOUT", "5s")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append(args, "--no-color"))
	err := root.Execute()
	return buf.String(), err
}

func TestChannelCommandsAgainstMockNode(t *testing.T) {
	node := nodetest.New(nodetest.Config{OffChainOnly: true})
	defer node.Close()
	setupEnv(t, node.Start())

	out, err := execute(t, "channel", "create")
	if err != nil {
		t.Fatalf("channel create: %v", err)
	}
	if !strings.Contains(out, "Channel: 0x") {
		t.Fatalf("unexpected create output:\n%s", out)
	}

	out, err = execute(t, "channel", "show")
	if err != nil {
		t.Fatalf("channel show: %v", err)
	}
	if !strings.Contains(out, "State: funded") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	out, err = execute(t, "channel", "resize", "--amount", "40")
	if err != nil {
		t.Fatalf("channel resize: %v", err)
	}
	if !strings.Contains(out, "Balance: 40") {
		t.Fatalf("unexpected resize output:\n%s", out)
	}

	out, err = execute(t, "channel", "close")
	if err != nil {
		t.Fatalf("channel close: %v", err)
	}
	if !strings.Contains(out, "Channel closed") {
		t.Fatalf("unexpected close output:\n%s", out)
	}
	if len(node.OpenChannels()) != 0 {
		t.Fatal("expected no open channels on the node")
	}
}

func TestChannelCommandsNeedChainForSettlement(t *testing.T) {
	node := nodetest.New(nodetest.Config{})
	defer node.Close()
	setupEnv(t, node.Start())

	_, err := execute(t, "channel", "create")
	if !errors.Is(err, chain.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	out, err := execute(t, "channel", "show")
	if err != nil {
		t.Fatalf("channel show: %v", err)
	}
	if !strings.Contains(out, "State: off_chain_created") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	_, err = execute(t, "channel", "resize", "--amount", "40")
	if !errors.Is(err, channel.ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if n := len(node.Requests(rpc.MethodResizeChannel)); n != 0 {
		t.Fatalf("resize reached the node %d times", n)
	}
}

func TestDescribedErrorKeepsChain(t *testing.T) {
	cause := rpc.NewServerError("channel 0x01 not found")
	err := error(describedError{err: fmt.Errorf("resize channel: %w", cause)})

	if err.Error() != "channel 0x01 not found (channel_not_found)" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if serr, ok := rpc.AsServerError(err); !ok || serr != cause {
		t.Fatalf("expected the server error to stay reachable, got %v", serr)
	}
	if !errors.Is(describedError{err: fmt.Errorf("x: %w", chain.ErrDisabled)}, chain.ErrDisabled) {
		t.Fatal("expected errors.Is to see through the description")
	}
}

func TestResizeRequiresAnAmount(t *testing.T) {
	setupEnv(t, "ws://127.0.0.1:1")
	if _, err := execute(t, "channel", "resize"); err == nil || !strings.Contains(err.Error(), "--amount or --allocate") {
		t.Fatalf("expected amount validation error, got %v", err)
	}
}

func TestDepositRequiresChain(t *testing.T) {
	setupEnv(t, "ws://127.0.0.1:1")
	if _, err := execute(t, "deposit", "10"); err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected chain disabled error, got %v", err)
	}
}

func TestSessionReset(t *testing.T) {
	setupEnv(t, "ws://127.0.0.1:1")
	out, err := execute(t, "session", "reset")
	if err != nil {
		t.Fatalf("session reset: %v", err)
	}
	if !ordered(out, "Session key rotated", "Session key: 0x") {
		t.Fatalf("unexpected reset output:\n%s", out)
	}
}

func ordered(s string, parts ...string) bool {
	last := -1
	for _, p := range parts {
		idx := strings.Index(s, p)
		if idx == -1 || idx <= last {
			return false
		}
		last = idx
	}
	return true
}
