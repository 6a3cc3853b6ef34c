// Package apns delivers a token shard in-process over the APNs HTTP/2 API,
// for hosts without the native pusher binary. It reports rejected tokens in
// the same "Invalid tokens:" block the binary prints, so the retry engine
// treats both deliverers alike.
package apns

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattstrayer/bulkpush/internal/delivery"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"golang.org/x/time/rate"
)

// Config ...
type Config struct {
	// Topic is the app bundle id.
	Topic string
	// KeyID and TeamID are used with a .p8 auth key instead of a .p12
	// certificate.
	KeyID  string
	TeamID string
	// Rate caps pushes per second; 0 means unlimited.
	Rate int
}

// APNS ...
type APNS struct {
	cfg       Config
	limiter   *rate.Limiter
	log       *slog.Logger
	newClient func(delivery.Credentials) (*apns2.Client, error)
}

// NewAPNS ...
func NewAPNS(cfg Config, log *slog.Logger) *APNS {
	if log == nil {
		log = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Rate)
	}
	apns := &APNS{cfg: cfg, limiter: limiter, log: log}
	apns.newClient = apns.clientFor
	return apns
}

func (apns *APNS) clientFor(creds delivery.Credentials) (client *apns2.Client, err error) {
	if strings.HasSuffix(strings.ToLower(creds.CertFile), ".p8") {
		authKey, err := token.AuthKeyFromFile(creds.CertFile)
		if err != nil {
			return nil, fmt.Errorf("load auth key %s: %w", creds.CertFile, err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   apns.cfg.KeyID,
			TeamID:  apns.cfg.TeamID,
		})
	} else {
		cert, err := certificate.FromP12File(creds.CertFile, creds.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("load certificate %s: %w", creds.CertFile, err)
		}
		client = apns2.NewClient(cert)
	}
	if creds.Sandbox {
		client.Development()
	} else {
		client.Production()
	}
	return client, nil
}

// ID ...
func (apns *APNS) ID(sandbox bool) string {
	if sandbox {
		return "apns-sandbox"
	}
	return "apns"
}

func isInvalid(reason string) bool {
	switch reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}

// Deliver pushes req.Content to the tokens of req.TokenFile in order and
// stops at the first token the gateway rejects. Like the binary, an attempt
// is not interrupted once started.
func (apns *APNS) Deliver(ctx context.Context, req delivery.Request) (string, error) {
	ctx = context.WithoutCancel(ctx)
	if err := delivery.EnsureLogDir(req.LogFile); err != nil {
		return "", err
	}
	logFile, err := os.OpenFile(req.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer logFile.Close()

	shard, err := os.Open(req.TokenFile)
	if err != nil {
		return "", err
	}
	defer shard.Close()

	client, err := apns.newClient(req.Credentials)
	if err != nil {
		return "", err
	}
	body := payload.NewPayload().Alert(req.Content).Sound("default")
	log := apns.log.With("service", apns.ID(req.Sandbox), "shard", req.TokenFile)

	sent, line := 0, -1
	s := bufio.NewScanner(shard)
	for s.Scan() {
		line++
		deviceToken := strings.TrimSpace(s.Text())
		if deviceToken == "" {
			continue
		}
		if err := apns.limiter.Wait(ctx); err != nil {
			return "", err
		}

		t := time.Now()
		resp, err := client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       apns.cfg.Topic,
			Payload:     body,
		})
		duration := time.Since(t)
		if err != nil {
			log.Error("Push message failed", "error", err)
			return "", fmt.Errorf("push to %s: %w", deviceToken, err)
		}
		if resp.Sent() {
			sent++
			log.Debug("Pushed", "duration", duration)
			continue
		}
		if isInvalid(resp.Reason) {
			writeLogLine(logFile, "ERROR", fmt.Sprintf("Invalid token: %s %s (%d)", deviceToken, resp.Reason, line))
			log.Info("Invalid token", "token", deviceToken, "reason", resp.Reason, "line", line)
			return fmt.Sprintf("Sent %d notifications\nInvalid tokens:\n%d %s\n", sent, line, deviceToken), nil
		}
		log.Warn("Push rejected", "status", resp.StatusCode, "reason", resp.Reason)
		writeLogLine(logFile, "WARN", fmt.Sprintf("Rejected: %s %d %s", deviceToken, resp.StatusCode, resp.Reason))
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	writeLogLine(logFile, "INFO", fmt.Sprintf("Sent %d notifications", sent))
	return fmt.Sprintf("Sent %d notifications\n", sent), nil
}

// writeLogLine appends a line in the pusher's own log format.
func writeLogLine(w io.Writer, level, msg string) {
	fmt.Fprintf(w, "%s %s apns ---> %s\n", time.Now().Format(time.DateTime), level, msg)
}

var _ delivery.Deliverer = (*APNS)(nil)
