package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoOffer 表示还没有捕获到可重放的安装提示。
var ErrNoOffer = errors.New("no install offer captured")

// Outcome 是用户对安装提示的选择。
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDismissed Outcome = "dismissed"
)

// Offer 是宿主延迟下发的安装提示，只能展示一次。
type Offer interface {
	Prompt(ctx context.Context) (Outcome, error)
}

// OfferFunc 把普通函数适配为 Offer。
type OfferFunc func(ctx context.Context) (Outcome, error)

func (f OfferFunc) Prompt(ctx context.Context) (Outcome, error) { return f(ctx) }

// InstallPrompt 保存宿主的安装提示，等用户主动点击时再重放。
type InstallPrompt struct {
	logger *logrus.Logger

	mu    sync.Mutex
	offer Offer
}

func NewInstallPrompt(logger *logrus.Logger) *InstallPrompt {
	return &InstallPrompt{logger: logger}
}

// Capture 截留宿主的默认提示并显示安装入口。返回 true 表示默认行为已被抑制。
func (p *InstallPrompt) Capture(offer Offer) bool {
	if offer == nil {
		return false
	}
	p.mu.Lock()
	p.offer = offer
	p.mu.Unlock()
	return true
}

// Available 表示安装入口是否可见。
func (p *InstallPrompt) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offer != nil
}

// Trigger 重放已捕获的提示。提示只能使用一次，无论结果如何入口都会隐藏。
func (p *InstallPrompt) Trigger(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	offer := p.offer
	p.offer = nil
	p.mu.Unlock()

	if offer == nil {
		return "", ErrNoOffer
	}
	outcome, err := offer.Prompt(ctx)
	entry := p.logger.WithField("action", "install_prompt")
	if err != nil {
		entry.WithError(err).Warn("install_prompt_failed")
		return "", err
	}
	entry.WithField("outcome", string(outcome)).Info("install_prompt_result")
	return outcome, nil
}
