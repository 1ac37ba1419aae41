package notify

import (
	"context"
	"encoding/json"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-engine/internal/config"
	"github.com/sells-group/quote-engine/internal/model"
)

// FeishuSender posts alerts as text messages to a Feishu chat.
type FeishuSender struct {
	client *lark.Client
	chatID string
}

// NewFeishuSender creates a sender for the configured app and chat.
func NewFeishuSender(cfg config.FeishuConfig, opts ...lark.ClientOptionFunc) *FeishuSender {
	opts = append([]lark.ClientOptionFunc{lark.WithReqTimeout(10 * time.Second)}, opts...)
	return &FeishuSender{
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, opts...),
		chatID: cfg.ChatID,
	}
}

// Name implements Sender.
func (f *FeishuSender) Name() string { return "feishu" }

// Send posts the alert to the chat.
func (f *FeishuSender) Send(ctx context.Context, a model.Alert) error {
	content, err := json.Marshal(map[string]string{"text": FormatAlert(a)})
	if err != nil {
		return eris.Wrap(err, "notify: marshal feishu content")
	}

	resp, err := f.client.Im.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(f.chatID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build())
	if err != nil {
		return eris.Wrap(err, "notify: feishu request")
	}
	if !resp.Success() {
		return eris.Errorf("notify: feishu rejected message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}
