package pricealert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/seed-scraper/internal/events"
	"github.com/maltedev/seed-scraper/internal/models"
)

var errNoChanges = errors.New("notify payload has no price changes")

// NotifyPayload is one user's share of a detect run.
type NotifyPayload struct {
	DetectJobID string               `json:"detect_job_id"`
	UserID      string               `json:"user_id"`
	Email       string               `json:"email"`
	Name        string               `json:"name,omitempty"`
	Changes     []models.PriceChange `json:"changes"`
}

// NotifyJobID is unique per detect run and user.
func NotifyJobID(detectJobID, userID string) string {
	return "notify:" + detectJobID + ":" + userID
}

type AlertPublisher interface {
	PublishPriceAlert(ctx context.Context, alert *events.PriceAlert) error
}

type Notifier struct {
	publisher AlertPublisher
	logger    *slog.Logger
}

func NewNotifier(publisher AlertPublisher, logger *slog.Logger) *Notifier {
	return &Notifier{publisher: publisher, logger: logger.With("component", "price_notifier")}
}

// Notify renders the alert for one user and hands it to the outbox.
func (n *Notifier) Notify(ctx context.Context, p NotifyPayload) error {
	if len(p.Changes) == 0 {
		return errNoChanges
	}
	alert := &events.PriceAlert{
		UserID:  p.UserID,
		Email:   p.Email,
		Name:    p.Name,
		Subject: Subject(len(p.Changes)),
		Body:    RenderText(p.Name, p.Changes),
		Changes: p.Changes,
	}
	if err := n.publisher.PublishPriceAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to publish price alert for user %s: %w", p.UserID, err)
	}
	n.logger.Info("price alert sent", "user_id", p.UserID, "changes", len(p.Changes))
	return nil
}

func Subject(count int) string {
	noun := "Product"
	if count != 1 {
		noun = "Products"
	}
	return fmt.Sprintf("Price Drop Alert! %d %s on Sale", count, noun)
}

// RenderText is the plain text body of an alert.
func RenderText(name string, changes []models.PriceChange) string {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", name)
	} else {
		b.WriteString("Hi,\n\n")
	}
	b.WriteString("Prices dropped on seeds you are tracking:\n\n")
	for _, c := range changes {
		fmt.Fprintf(&b, "- %s (%d seeds) at %s: %.2f %s -> %.2f %s (%.1f%%)\n",
			c.ProductName, c.PackSize, c.SellerName,
			c.OldPrice, c.Currency, c.NewPrice, c.Currency, c.PercentChange)
		if url := productLink(c); url != "" {
			fmt.Fprintf(&b, "  %s\n", url)
		}
	}
	b.WriteString("\nYou receive this because price alerts are enabled on your account.\n")
	return b.String()
}

func productLink(c models.PriceChange) string {
	if c.ProductURL == "" || c.AffiliateTag == "" {
		return c.ProductURL
	}
	sep := "?"
	if strings.Contains(c.ProductURL, "?") {
		sep = "&"
	}
	return c.ProductURL + sep + "ref=" + c.AffiliateTag
}
