package syncjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/transform"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

// HTTPProvider fetches historical threads and messages from the messaging
// provider's REST API. Message items come back in the same shape as live
// webhook bodies, so they are parsed with the webhook parser.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	logger  *logger.Logger
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(baseURL, apiKey string, log *logger.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 30 * time.Second},
		logger:  log,
	}
}

type threadItem struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Name    string `json:"name"`
}

type listResponse struct {
	Items []json.RawMessage `json:"items"`
}

// ListThreads lists conversation threads updated since the given time.
func (p *HTTPProvider) ListThreads(ctx context.Context, providerAccountID string, since time.Time, folders []string) ([]ProviderThread, error) {
	q := url.Values{}
	q.Set("account_id", providerAccountID)
	q.Set("after", since.Format(time.RFC3339))
	for _, f := range folders {
		q.Add("folder", f)
	}

	var resp listResponse
	if err := p.get(ctx, "/chats?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	threads := make([]ProviderThread, 0, len(resp.Items))
	for _, raw := range resp.Items {
		var item threadItem
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			continue
		}
		subject := item.Subject
		if subject == "" {
			subject = item.Name
		}
		threads = append(threads, ProviderThread{ExternalThreadID: item.ID, Subject: subject})
	}
	return threads, nil
}

// ListMessages lists messages in one thread, oldest first, capped at limit.
func (p *HTTPProvider) ListMessages(ctx context.Context, providerAccountID, externalThreadID string, since time.Time, limit int) ([]*model.Webhook, error) {
	q := url.Values{}
	q.Set("account_id", providerAccountID)
	q.Set("after", since.Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))

	var resp listResponse
	if err := p.get(ctx, "/chats/"+url.PathEscape(externalThreadID)+"/messages?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	msgs := make([]*model.Webhook, 0, len(resp.Items))
	for _, raw := range resp.Items {
		w, err := transform.ParseWebhook(withAccountID(raw, providerAccountID))
		if err != nil {
			p.logger.Debug("skipping unparseable historical item",
				zap.String("thread", externalThreadID),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, w)
	}
	return msgs, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("syncjobs: provider returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// withAccountID injects the account id into items that omit it; historical
// API items often carry less envelope than live webhooks.
func withAccountID(raw json.RawMessage, accountID string) []byte {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	if _, ok := doc["account_id"]; !ok {
		doc["account_id"] = accountID
		if fixed, err := json.Marshal(doc); err == nil {
			return fixed
		}
	}
	return raw
}
