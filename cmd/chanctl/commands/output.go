package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/LeoFranklin015/Median-sub000/internal/channel"
	"github.com/LeoFranklin015/Median-sub000/internal/rpc"
	"github.com/LeoFranklin015/Median-sub000/internal/session"
)

var (
	labelColor = color.New(color.Bold)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed, color.Bold)
)

func field(w io.Writer, label string, value any) {
	labelColor.Fprintf(w, "%s: ", label)
	fmt.Fprintln(w, value)
}

func errorf(w io.Writer, format string, args ...any) {
	errColor.Fprint(w, "error: ")
	fmt.Fprintf(w, format+"\n", args...)
}

func statusColor(st session.Status) *color.Color {
	switch st {
	case session.Authenticated:
		return okColor
	case session.Error:
		return errColor
	default:
		return warnColor
	}
}

func printSession(w io.Writer, info session.Info) {
	labelColor.Fprint(w, "Status: ")
	statusColor(info.Status).Fprintln(w, info.State)
	field(w, "Wallet", info.Wallet.Hex())
	field(w, "Session key", info.SessionKey.Hex())
	if !info.ExpiresAt.IsZero() {
		field(w, "Expires", info.ExpiresAt.Format(time.RFC3339))
	}
	if info.ReconnectAttempt > 0 {
		field(w, "Reconnect attempt", info.ReconnectAttempt)
	}
	if info.LastError != "" {
		labelColor.Fprint(w, "Last error: ")
		errColor.Fprintln(w, info.LastError)
	}
}

func printChannel(w io.Writer, rec channel.Record, ok bool, st channel.State) {
	if !ok {
		warnColor.Fprintln(w, "No channel")
		return
	}
	labelColor.Fprint(w, "Channel: ")
	okColor.Fprintln(w, rec.ChannelID)
	field(w, "State", st)
	field(w, "Balance", rec.Balance)
	if rec.Token != "" {
		field(w, "Token", rec.Token)
	}
	field(w, "Chain", rec.ChainID)
	if !rec.CreatedAt.IsZero() {
		field(w, "Created", rec.CreatedAt.Format(time.RFC3339))
	}
}

func printBalances(w io.Writer, balances map[string]string) {
	if len(balances) == 0 {
		warnColor.Fprintln(w, "No unified balance")
		return
	}
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		field(w, asset, balances[asset])
	}
}

func printAppSessions(w io.Writer, sessions []rpc.AppSession) {
	if len(sessions) == 0 {
		warnColor.Fprintln(w, "No app sessions")
		return
	}
	for _, s := range sessions {
		c := okColor
		if s.Status != "open" {
			c = warnColor
		}
		c.Fprintf(w, "%-8s", s.Status)
		fmt.Fprintf(w, " %s v%d %s\n", s.AppSessionID, s.Version, s.Protocol)
	}
}
