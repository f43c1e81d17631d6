package settlement

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
)

// LowBalanceWatermark задаёт порог остатка кошелька, ниже которого
// отправляется уведомление мерчанту.
const LowBalanceWatermark = 1000

// Repository описывает контракт доступа к данным, используемый диспетчером расчётов.
type Repository interface {
	GetPendingScans(ctx context.Context, limit int) ([]repository.PendingScan, error)
	UpdateScanMint(ctx context.Context, scanID int64, status model.MintStatus, txHash, mintErr *string) error
	ApplyMintToWallet(ctx context.Context, merchantID, amount int64) (int64, error)
	GetWallet(ctx context.Context, merchantID int64) (*repository.Wallet, error)
	SetWalletAlert(ctx context.Context, merchantID int64, sent bool) error
}

// Dispatcher передаёт зафиксированные начисления в шлюз расчётов.
// Работает строго после коммита журнальной транзакции: берёт отметки
// сканирования в статусе PENDING и FAILED, так что доставка как минимум однократная.
type Dispatcher struct {
	repo     Repository
	client   *Client
	cipher   *Cipher
	logger   *zap.Logger
	interval time.Duration
}

// NewDispatcher создаёт диспетчер расчётов. Шифратор может быть nil,
// тогда запросы на выплату отправляются без подписи кошелька.
func NewDispatcher(repo Repository, client *Client, cipher *Cipher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		client:   client,
		cipher:   cipher,
		logger:   logger,
		interval: 1 * time.Second,
	}
}

// Run запускает цикл передачи начислений до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.client == nil {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processBatch(ctx)
		}
	}
}

func (d *Dispatcher) processBatch(ctx context.Context) {
	scans, err := d.repo.GetPendingScans(ctx, 100)
	if err != nil {
		d.logger.Error("select pending scans", zap.Error(err))
		return
	}

	for _, s := range scans {
		d.processScan(ctx, s)
	}
}

// processScan выполняет один запрос на выплату. Ошибка расчёта фиксируется
// на отметке сканирования и никогда не влияет на уже выполненное начисление.
func (d *Dispatcher) processScan(ctx context.Context, s repository.PendingScan) {
	var resp *MintResponse

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		// Ключ кошелька расшифровывается непосредственно перед подписью запроса.
		walletKey := d.walletKey(ctx, s.MerchantID)

		var callErr error
		resp, callErr = d.client.MintOnCheckIn(ctx, MintRequest{
			MemberID:     s.MemberID,
			MerchantID:   s.MerchantID,
			PointsEarned: s.Points,
			ScanID:       s.ScanID,
		}, walletKey)
		if callErr != nil {
			return retry.RetryableError(callErr)
		}
		return nil
	})

	if err != nil || !resp.Success {
		msg := "mint rejected"
		if err != nil {
			msg = err.Error()
		}
		if updErr := d.repo.UpdateScanMint(ctx, s.ScanID, model.MintStatusFailed, nil, &msg); updErr != nil {
			d.logger.Error("mark scan failed", zap.Error(updErr), zap.Int64("scanID", s.ScanID))
		}
		d.logger.Warn("settlement failed", zap.Int64("scanID", s.ScanID), zap.String("reason", msg))
		return
	}

	if err := d.repo.UpdateScanMint(ctx, s.ScanID, model.MintStatusMinted, resp.TxHash, nil); err != nil {
		d.logger.Error("mark scan minted", zap.Error(err), zap.Int64("scanID", s.ScanID))
		return
	}

	if resp.Amount != nil {
		balance, err := d.repo.ApplyMintToWallet(ctx, s.MerchantID, *resp.Amount)
		if err != nil {
			d.logger.Error("apply mint to wallet", zap.Error(err), zap.Int64("merchantID", s.MerchantID))
			return
		}
		d.updateLowBalanceAlert(ctx, s.MerchantID, balance)
	}
}

// walletKey возвращает расшифрованный ключ кастодиального кошелька мерчанта
// либо nil, если кошелёк не настроен или шифратор не задан.
func (d *Dispatcher) walletKey(ctx context.Context, merchantID int64) []byte {
	if d.cipher == nil {
		return nil
	}

	wallet, err := d.repo.GetWallet(ctx, merchantID)
	if err != nil {
		return nil
	}

	key, err := d.cipher.Decrypt(wallet.EncryptedKey)
	if err != nil {
		d.logger.Error("decrypt wallet key", zap.Error(err), zap.Int64("merchantID", merchantID))
		return nil
	}

	return key
}

// updateLowBalanceAlert переключает флаг уведомления только на переходах
// через порог: повторные проверки около порога не вызывают лавину уведомлений.
func (d *Dispatcher) updateLowBalanceAlert(ctx context.Context, merchantID, balance int64) {
	wallet, err := d.repo.GetWallet(ctx, merchantID)
	if err != nil {
		d.logger.Error("get wallet", zap.Error(err), zap.Int64("merchantID", merchantID))
		return
	}

	switch {
	case balance < LowBalanceWatermark && !wallet.LowBalanceAlertSent:
		if err := d.repo.SetWalletAlert(ctx, merchantID, true); err != nil {
			d.logger.Error("set wallet alert", zap.Error(err))
			return
		}
		d.logger.Warn("merchant wallet balance low", zap.Int64("merchantID", merchantID), zap.Int64("balance", balance))
	case balance >= LowBalanceWatermark && wallet.LowBalanceAlertSent:
		if err := d.repo.SetWalletAlert(ctx, merchantID, false); err != nil {
			d.logger.Error("clear wallet alert", zap.Error(err))
		}
	}
}
