package reservations

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Tutortoise/plate-checkin-service/logger"
	"github.com/Tutortoise/plate-checkin-service/models"
	"github.com/Tutortoise/plate-checkin-service/plates"
)

const (
	StatusActive  = "Active"
	StatusSettled = "Settled"

	checkoutLayout = "2006-01-02T15:04:05"
)

type Update struct {
	Status       string  `json:"status,omitempty"`
	CheckoutTime *string `json:"checkout_time,omitempty"`
}

type Reservation struct {
	ID           int     `json:"id"`
	ParkingID    string  `json:"parking_id"`
	PeopleUUID   string  `json:"people_uuid"`
	Time         string  `json:"time"`
	Status       string  `json:"status"`
	CheckoutTime *string `json:"checkout_time"`
	Price        float64 `json:"price"`
}

// Client records confirmed plate matches on the reservation backend:
// a check-in activates the reservation, a check-out settles it.
type Client struct {
	http *resty.Client
	now  func() time.Time
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c, now: time.Now}
}

// UpdateFor builds the backend update for a match.
func UpdateFor(result models.MatchResult, now time.Time) Update {
	if plates.Mode(result.Mode) == plates.ModeCheckout {
		ts := now.Format(checkoutLayout)
		return Update{Status: StatusSettled, CheckoutTime: &ts}
	}
	return Update{Status: StatusActive}
}

// Deliver satisfies pipeline.MatchConsumer.
func (c *Client) Deliver(ctx context.Context, result models.MatchResult) error {
	if !result.Matched {
		return nil
	}
	_, err := c.Update(ctx, result.ReservationID, UpdateFor(result, c.now()))
	return err
}

func (c *Client) Update(ctx context.Context, id int, body Update) (*Reservation, error) {
	var out Reservation
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", strconv.Itoa(id)).
		SetBody(body).
		SetResult(&out).
		Patch("/reservations/{id}")
	if err != nil {
		return nil, fmt.Errorf("update reservation %d: %w", id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("update reservation %d: backend returned %s: %s", id, resp.Status(), resp.String())
	}

	logger.For("reservations").Info("reservation updated",
		zap.Int("reservation_id", id),
		zap.String("status", body.Status))
	return &out, nil
}
