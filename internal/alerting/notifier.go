package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"flight-deal-alerts/internal/domain"
)

// Sink 定义告警输送接口。Delivery failures are reported, never retried here.
type Sink interface {
	Deliver(ctx context.Context, ownerID int64, deals []domain.Deal) error
}

// TelegramSink 通过 Telegram Bot API 推送消息；owner id 即 chat id。
type TelegramSink struct {
	botToken string
	baseURL  string
	maxDeals int
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSink 构造 Telegram 告警器。
func NewTelegramSink(botToken, baseURL string, maxDeals int, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if maxDeals <= 0 {
		maxDeals = 5
	}

	return &TelegramSink{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxDeals: maxDeals,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Deliver 调用 sendMessage API 推送文本。
func (n *TelegramSink) Deliver(ctx context.Context, ownerID int64, deals []domain.Deal) error {
	if len(deals) == 0 {
		return nil
	}

	payload := map[string]string{
		"chat_id": strconv.FormatInt(ownerID, 10),
		"text":    renderMessage(deals, n.maxDeals),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int64("owner_id", ownerID).
		Int64("alert_id", deals[0].AlertID).
		Int("deals", len(deals)).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogSink only logs deliveries; used when no channel is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Deliver logs each deal.
func (s *LogSink) Deliver(ctx context.Context, ownerID int64, deals []domain.Deal) error {
	for _, deal := range deals {
		s.logger.Info().Int64("owner_id", ownerID).
			Int64("alert_id", deal.AlertID).
			Str("offer", deal.Offer.Fingerprint()).
			Str("amount", formatAmount(deal.Offer)).
			Bool("promo", deal.IsPromo).
			Msg("deal found")
	}
	return nil
}

func renderMessage(deals []domain.Deal, max int) string {
	first := deals[0].Offer
	builder := strings.Builder{}
	builder.WriteString("[Flight Deal Alert]\n")
	builder.WriteString(fmt.Sprintf("Route: %s -> %s\n", first.Origin, first.Destination))
	if first.CabinClass != "" {
		builder.WriteString(fmt.Sprintf("Cabin: %s\n", first.CabinClass))
	}

	shown := deals
	if len(shown) > max {
		shown = shown[:max]
	}
	for _, deal := range shown {
		o := deal.Offer
		builder.WriteString(fmt.Sprintf("- %s: %s", o.DepartureDate.Format(domain.DateLayout), formatAmount(o)))
		if o.AvailableSeats > 0 {
			builder.WriteString(fmt.Sprintf(", %d seats", o.AvailableSeats))
		}
		if o.FareLabel != "" {
			builder.WriteString(fmt.Sprintf(", %s", o.FareLabel))
		}
		if deal.IsPromo {
			builder.WriteString(" [PROMO]")
		}
		builder.WriteString("\n")
	}
	if rest := len(deals) - len(shown); rest > 0 {
		builder.WriteString(fmt.Sprintf("...and %d more\n", rest))
	}
	return builder.String()
}

func formatAmount(o domain.NormalizedOffer) string {
	var parts []string
	if o.Miles.Valid {
		parts = append(parts, fmt.Sprintf("%d miles", o.Miles.Int64))
	}
	if o.Price.Valid {
		price := o.Price.Decimal.StringFixed(2)
		if o.Currency != "" {
			price = o.Currency + " " + price
		}
		parts = append(parts, price)
	}
	return strings.Join(parts, " + ")
}

var (
	_ Sink = (*TelegramSink)(nil)
	_ Sink = (*LogSink)(nil)
)
