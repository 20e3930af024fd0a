package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fifth-community/authgate/internal/account"
	"github.com/fifth-community/authgate/internal/store"
)

// RenderHeader renders the account bar: who is logged in and how
func RenderHeader(snap account.Snapshot) string {
	if !snap.Authenticated {
		line := OfflineDotStyle.String() + " " + MutedStyle.Render("not logged in") +
			VariantTagStyle.Render(string(snap.Variant))
		return LoggedOutHeaderStyle.Render(line)
	}

	id := snap.Identity
	name := id.Nickname
	if name == "" {
		name = id.Email
	}
	if name == "" {
		name = fmt.Sprintf("user %d", id.UserID)
	}

	var b strings.Builder
	b.WriteString(OnlineDotStyle.String() + " " + AccountNameStyle.Render(name))
	if id.Email != "" && id.Email != name {
		b.WriteString(MutedStyle.Render(" <" + id.Email + ">"))
	}
	b.WriteString(AccountMetaStyle.Render(fmt.Sprintf("#%d", id.UserID)))

	switch {
	case snap.Variant == store.VariantSession:
		b.WriteString(VariantTagStyle.Render("session"))
	case !snap.AccessExpiry.IsZero():
		remaining := time.Until(snap.AccessExpiry).Round(time.Second)
		style := ExpiryStyle
		if remaining < time.Minute {
			style = ExpiryWarningStyle
		}
		b.WriteString(style.Render(fmt.Sprintf("token expires in %s", remaining)))
	default:
		b.WriteString(VariantTagStyle.Render("token"))
	}

	return HeaderStyle.Render(b.String())
}

// HeaderPrinter re-renders the header to a writer whenever auth state changes.
// It is the non-interactive stand-in for the live header.
type HeaderPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	snapshot func() account.Snapshot
}

// NewHeaderPrinter creates a printer reading state through snapshot
func NewHeaderPrinter(w io.Writer, snapshot func() account.Snapshot) *HeaderPrinter {
	return &HeaderPrinter{w: w, snapshot: snapshot}
}

// StateChanged implements store.Observer
func (p *HeaderPrinter) StateChanged(c store.Change) {
	header := RenderHeader(p.snapshot())

	p.mu.Lock()
	defer p.mu.Unlock()
	if reason := changeReason(c); reason != "" {
		fmt.Fprintln(p.w, ChangeReasonStyle.Render(reason))
	}
	fmt.Fprintln(p.w, header)
}

func changeReason(c store.Change) string {
	switch {
	case c.Cleared:
		return "logged out"
	case c.Remote:
		return "account changed in another session"
	case c.Key == store.KeyAccessToken:
		return "access token renewed"
	}
	return ""
}
