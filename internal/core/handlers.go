package core

import (
	"context"
	"fmt"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/conversion"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/feed"
	"ConsolLedger/internal/guard"
	"ConsolLedger/internal/ledger"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/google/uuid"
)

// AmountResult reports the single amount a command moved.
type AmountResult struct {
	Amount int64 `json:"amount"`
}

// DepositResult reports the shares minted by a vault deposit.
type DepositResult struct {
	Shares int64 `json:"shares"`
}

// RequestResult reports the index a withdrawal request was filed under.
type RequestResult struct {
	Queue string `json:"queue"`
	Index int    `json:"index"`
}

// dispatch routes a command to its handler. The returned value is recorded
// as the command result.
func (e *Engine) dispatch(ctx context.Context, cmd *command, evt event.Event) (any, error) {
	switch ev := evt.(type) {
	case *event.CreatePosition:
		return e.handleCreatePosition(cmd, ev)
	case *event.PeriodPay:
		return cmd.tx.PeriodPay(ev.PositionID, ev.Actor, ev.Amount)
	case *event.ImposePenalty:
		amount, err := cmd.tx.ImposePenalty(ev.PositionID)
		return AmountResult{Amount: amount}, err
	case *event.PenaltyPay:
		amount, err := cmd.tx.PenaltyPay(ev.PositionID, ev.Actor, ev.Amount)
		return AmountResult{Amount: amount}, err
	case *event.Refinance:
		return cmd.tx.Refinance(ev.PositionID, ev.Actor, ev.TotalPeriods)
	case *event.ExpandBalanceSheet:
		return e.handleExpand(cmd, ev)
	case *event.ForecloseMortgage:
		return e.handleForeclose(cmd, ev)
	case *event.RedeemMortgage:
		return e.handleRedeem(cmd, ev)
	case *event.ClaimRelease:
		amount, err := cmd.tx.ClaimRelease(ev.Actor, ev.CollateralClass)
		return AmountResult{Amount: amount}, err
	case *event.TransferPosition:
		return nil, e.handleTransferPosition(cmd, ev)
	case *event.EnqueuePosition:
		return e.handleEnqueue(cmd, ev)
	case *event.DequeuePosition:
		return e.handleDequeue(cmd, ev)
	case *event.VaultDeposit:
		return e.handleVaultDeposit(cmd, ev)
	case *event.RequestWithdrawal:
		return e.handleRequestWithdrawal(cmd, ev)
	case *event.CancelWithdrawal:
		return nil, e.handleCancelWithdrawal(cmd, ev)
	case *event.ProcessWithdrawals:
		return e.handleProcessWithdrawals(ctx, cmd, ev)
	case *event.Liquidate:
		return e.handleLiquidate(cmd, ev)
	case *event.PriceUpdate:
		return nil, e.handlePriceUpdate(cmd, ev)
	case *event.RateUpdate:
		return nil, e.handleRateUpdate(cmd, ev)
	case *event.FundAccount:
		return nil, e.handleFundAccount(cmd, ev)
	case *event.SetCollateralParams:
		return nil, e.handleSetCollateralParams(cmd, ev)
	case *event.SetQueueLimits:
		return nil, e.handleSetQueueLimits(cmd, ev)
	case *event.GrantRole:
		return nil, e.handleRole(cmd, ev.Actor, ev.Role, ev.Account, true)
	case *event.RevokeRole:
		return nil, e.handleRole(cmd, ev.Actor, ev.Role, ev.Account, false)
	default:
		return nil, fmt.Errorf("%w: unsupported event type %T", event.ErrInvalidCommand, evt)
	}
}

// --- Positions ---

func (e *Engine) handleCreatePosition(cmd *command, ev *event.CreatePosition) (*state.Position, error) {
	rate, err := e.feed.InterestRateBps(ev.CollateralClass)
	if err != nil {
		return nil, err
	}
	return cmd.tx.CreatePosition(state.Origination{
		PositionID:       ev.PositionID,
		Owner:            ev.Actor,
		CollateralClass:  ev.CollateralClass,
		CollateralAmount: ev.CollateralAmount,
		PurchasePrice:    ev.PurchasePrice,
		BackingPool:      e.cfg.BackingPool,
		Borrowed:         ev.Borrowed,
		InterestRateBps:  rate,
		TotalPeriods:     ev.TotalPeriods,
		PaymentPlan:      ev.PaymentPlan,
	})
}

// handleExpand re-sorts a queued position, since expansion moves its trigger price.
func (e *Engine) handleExpand(cmd *command, ev *event.ExpandBalanceSheet) (*state.Position, error) {
	stored, ok := e.positions.Get(ev.PositionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrPositionNotFound, ev.PositionID)
	}
	rate, err := e.feed.InterestRateBps(stored.CollateralClass)
	if err != nil {
		return nil, err
	}
	p, err := cmd.tx.ExpandBalanceSheet(ev.PositionID, ev.Actor, state.Expansion{
		ExtraBorrowed:   ev.ExtraBorrowed,
		ExtraCollateral: ev.ExtraCollateral,
		NewRateBps:      rate,
		Price:           ev.Price,
	})
	if err != nil {
		return nil, err
	}
	if q, ok := e.conversions[p.CollateralClass]; ok && q.Trigger().Contains(p.ID) {
		if err := q.RelinkPosition(cmd.tx, p.ID, ev.HintPrev); err != nil {
			return nil, err
		}
		cmd.touchQueue(q.Name())
	}
	return p, nil
}

// dequeueClosed removes a position that is leaving the Active state from
// its trigger queue, refunding the node fee to whoever paid it.
func (e *Engine) dequeueClosed(cmd *command, p *state.Position, caller uuid.UUID) error {
	q, ok := e.conversions[p.CollateralClass]
	if !ok || !q.Trigger().Contains(p.ID) {
		return nil
	}
	if _, err := q.DequeuePosition(cmd.tx, p.ID, caller); err != nil {
		return err
	}
	cmd.touchQueue(q.Name())
	return nil
}

func (e *Engine) handleForeclose(cmd *command, ev *event.ForecloseMortgage) (*state.Position, error) {
	p, err := cmd.tx.ForecloseMortgage(ev.PositionID)
	if err != nil {
		return nil, err
	}
	backing, err := e.vault(p.BackingPool)
	if err != nil {
		return nil, err
	}
	forfeited, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}
	if _, err := e.forfeitVault.Issue(cmd.tx, backing, forfeited); err != nil {
		return nil, err
	}
	if err := e.dequeueClosed(cmd, p, ev.Actor); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		class := p.CollateralClass
		cmd.tx.OnCommit(func() { e.metrics.Foreclosures.WithLabelValues(class).Inc() })
	}
	return p, nil
}

func (e *Engine) handleRedeem(cmd *command, ev *event.RedeemMortgage) (*state.Position, error) {
	p, err := cmd.tx.RedeemMortgage(ev.PositionID, ev.Actor, ev.AllowAsync)
	if err != nil {
		return nil, err
	}
	if err := e.dequeueClosed(cmd, p, ev.Actor); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) handleTransferPosition(cmd *command, ev *event.TransferPosition) error {
	owner, ok := e.registry.OwnerOf(ev.PositionID)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrPositionNotFound, ev.PositionID)
	}
	if owner != ev.Actor {
		return fmt.Errorf("%w: %s", state.ErrNotOwner, ev.PositionID)
	}
	if ev.To == ev.Actor {
		return fmt.Errorf("%w: transfer to self", event.ErrInvalidCommand)
	}
	id, from, to := ev.PositionID, ev.Actor, ev.To
	cmd.tx.OnCommit(func() {
		if err := e.registry.Transfer(id, from, to); err != nil {
			panic(fmt.Sprintf("FATAL: registry transfer of %s after ownership check: %v", id, err))
		}
	})
	return nil
}

// --- Conversion queue ---

func (e *Engine) positionQueue(id uuid.UUID) (*conversion.Queue, error) {
	p, ok := e.positions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrPositionNotFound, id)
	}
	return e.conversionQueue(p.CollateralClass)
}

func (e *Engine) handleEnqueue(cmd *command, ev *event.EnqueuePosition) (conversion.TriggerNode, error) {
	q, err := e.positionQueue(ev.PositionID)
	if err != nil {
		return conversion.TriggerNode{}, err
	}
	node, err := q.EnqueuePosition(cmd.tx, ev.PositionID, ev.Actor, ev.Fee, ev.HintPrev)
	if err == nil {
		cmd.touchQueue(q.Name())
	}
	return node, err
}

func (e *Engine) handleDequeue(cmd *command, ev *event.DequeuePosition) (conversion.TriggerNode, error) {
	q, err := e.positionQueue(ev.PositionID)
	if err != nil {
		return conversion.TriggerNode{}, err
	}
	node, err := q.DequeuePosition(cmd.tx, ev.PositionID, ev.Actor)
	if err == nil {
		cmd.touchQueue(q.Name())
	}
	return node, err
}

// --- Withdrawal queues ---

func (e *Engine) handleVaultDeposit(cmd *command, ev *event.VaultDeposit) (DepositResult, error) {
	v, err := e.vault(ev.Pool)
	if err != nil {
		return DepositResult{}, err
	}
	shares, err := v.Deposit(cmd.tx, ev.Actor, ev.Amount)
	return DepositResult{Shares: shares}, err
}

func (e *Engine) handleRequestWithdrawal(cmd *command, ev *event.RequestWithdrawal) (RequestResult, error) {
	q, err := e.baseQueue(ev.Queue)
	if err != nil {
		return RequestResult{}, err
	}
	index, err := q.RequestWithdrawal(cmd.tx, ev.Actor, ev.Shares, ev.Fee, cmd.tx.Now())
	if err != nil {
		return RequestResult{}, err
	}
	cmd.touchQueue(q.Name())
	return RequestResult{Queue: q.Name(), Index: index}, nil
}

func (e *Engine) handleCancelWithdrawal(cmd *command, ev *event.CancelWithdrawal) error {
	q, err := e.baseQueue(ev.Queue)
	if err != nil {
		return err
	}
	if err := q.CancelWithdrawal(cmd.tx, ev.Actor, ev.Index); err != nil {
		return err
	}
	cmd.touchQueue(q.Name())
	return nil
}

// handleProcessWithdrawals runs one batch under the queue's batch guard. The
// command commits inside the guarded section so a concurrent batch on
// another replica is rejected rather than interleaved.
func (e *Engine) handleProcessWithdrawals(ctx context.Context, cmd *command, ev *event.ProcessWithdrawals) (any, error) {
	var result any
	stage := func() error {
		for class, q := range e.conversions {
			class, q := class, q // per-iteration copies for go1.21 loop semantics
			if q.Name() != ev.Queue {
				continue
			}
			price, err := e.feed.Price(class)
			if err != nil {
				return err
			}
			res, err := q.ProcessWithdrawalRequests(cmd.tx, ev.Iterations, ev.Actor, price)
			if err != nil {
				return err
			}
			if e.metrics != nil {
				cmd.tx.OnCommit(func() {
					e.metrics.WithdrawalsProcessed.WithLabelValues(q.Name()).Add(float64(res.Completed))
					e.metrics.ConversionPrincipal.WithLabelValues(class).Add(float64(res.Principal))
				})
			}
			result = res
			return nil
		}

		q, err := e.baseQueue(ev.Queue)
		if err != nil {
			return err
		}
		res, err := q.ProcessWithdrawalRequests(cmd.tx, ev.Iterations, ev.Actor)
		if err != nil {
			return err
		}
		if e.metrics != nil {
			cmd.tx.OnCommit(func() {
				e.metrics.WithdrawalsProcessed.WithLabelValues(q.Name()).Add(float64(res.Redeemed))
			})
		}
		result = res
		return nil
	}

	err := e.guard.Process(ctx, guard.Func{
		Queue: ev.Queue,
		Fn: func(context.Context, int, uuid.UUID) error {
			if err := stage(); err != nil {
				return err
			}
			return cmd.commit()
		},
	}, ev.Iterations, ev.Actor)
	if err != nil {
		return nil, err
	}
	cmd.touchQueue(ev.Queue)
	return result, nil
}

// --- Forfeiture pool ---

func (e *Engine) handleLiquidate(cmd *command, ev *event.Liquidate) (AmountResult, error) {
	if err := e.access.Require(access.RoleLiquidator, ev.Actor); err != nil {
		return AmountResult{}, err
	}
	proceeds, err := cmd.tx.Liquidate(ev.CollateralClass, ev.Actor, ev.Collateral, ev.Price)
	if err != nil {
		return AmountResult{}, err
	}
	if e.metrics != nil {
		class := ev.CollateralClass
		cmd.tx.OnCommit(func() { e.metrics.Liquidations.WithLabelValues(class).Inc() })
	}
	return AmountResult{Amount: proceeds}, nil
}

// --- Feeds ---

func (e *Engine) handlePriceUpdate(cmd *command, ev *event.PriceUpdate) error {
	if err := e.access.Require(access.RoleFeeder, ev.Actor); err != nil {
		return err
	}
	if _, ok := e.params.GetParams(ev.Class); !ok {
		return fmt.Errorf("%w: %s", state.ErrUnknownAsset, ev.Class)
	}
	q := feed.Quote{Class: ev.Class, Price: ev.Price, Sequence: ev.Sequence, Timestamp: ev.Time()}
	cmd.tx.OnCommit(func() {
		if _, err := e.feed.UpdatePrice(q); err != nil {
			e.logger.Error().Err(err).Str("class", q.Class).Msg("price update rejected after validation")
		}
	})
	return nil
}

func (e *Engine) handleRateUpdate(cmd *command, ev *event.RateUpdate) error {
	if err := e.access.Require(access.RoleFeeder, ev.Actor); err != nil {
		return err
	}
	seq, interest, penalty, refi := ev.Sequence, ev.InterestBps, ev.PenaltyBps, ev.RefinanceFeeBps
	cmd.tx.OnCommit(func() {
		if _, err := e.feed.UpdateRates(seq, interest, penalty, refi); err != nil {
			e.logger.Error().Err(err).Msg("rate update rejected after validation")
		}
	})
	return nil
}

// --- Administration ---

func (e *Engine) handleFundAccount(cmd *command, ev *event.FundAccount) error {
	if err := e.access.Require(access.RoleTreasury, ev.Actor); err != nil {
		return err
	}
	asset, ok := ledger.GetAssetID(ev.Asset)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrUnknownAsset, ev.Asset)
	}
	cmd.tx.Mint(ledger.SubTypeExternalMint, ledger.WalletKey(ev.Account, asset), ev.Amount, ledger.JournalTypeFunding)
	return nil
}

func (e *Engine) handleSetCollateralParams(cmd *command, ev *event.SetCollateralParams) error {
	if err := e.access.Require(access.RoleAdmin, ev.Actor); err != nil {
		return err
	}
	if _, ok := ledger.GetAssetID(ev.Class); !ok {
		return fmt.Errorf("%w: %s", state.ErrUnknownAsset, ev.Class)
	}
	if ev.Class == e.cfg.DebtAsset {
		return fmt.Errorf("%w: %s is the debt asset", event.ErrInvalidCommand, ev.Class)
	}
	p := &state.CollateralParams{
		Class:        ev.Class,
		PremiumBps:   ev.PremiumBps,
		MinPeriods:   ev.MinPeriods,
		MaxPeriods:   ev.MaxPeriods,
		MinBorrow:    ev.MinBorrow,
		MaxBorrow:    ev.MaxBorrow,
		EffectiveSeq: e.sequence,
	}
	if err := state.ValidateCollateralParams(p); err != nil {
		return fmt.Errorf("%w: %v", event.ErrInvalidCommand, err)
	}
	_, known := e.conversions[ev.Class]
	if !known {
		if err := checkSystemName(ConversionQueueName(ev.Class)); err != nil {
			return fmt.Errorf("%w: %v", event.ErrInvalidCommand, err)
		}
	}
	cmd.tx.OnCommit(func() {
		if err := e.params.UpdateParams(p); err != nil {
			panic(fmt.Sprintf("FATAL: params for %s failed after validation: %v", p.Class, err))
		}
		if !known {
			if err := e.addConversionQueue(p.Class); err != nil {
				panic(fmt.Sprintf("FATAL: conversion queue for %s: %v", p.Class, err))
			}
		}
	})
	return nil
}

func (e *Engine) handleSetQueueLimits(cmd *command, ev *event.SetQueueLimits) error {
	if err := e.access.Require(access.RoleAdmin, ev.Actor); err != nil {
		return err
	}
	q, err := e.baseQueue(ev.Queue)
	if err != nil {
		return err
	}
	if ev.MinAmount <= 0 {
		return fmt.Errorf("%w: min_amount must be positive", withdrawal.ErrInvalidAmount)
	}
	minAmount, fee := ev.MinAmount, ev.ExecutionFee
	cmd.tx.OnCommit(func() {
		if err := q.SetLimits(minAmount, fee); err != nil {
			e.logger.Error().Err(err).Str("queue", q.Name()).Msg("queue limits rejected after validation")
		}
	})
	return nil
}

func (e *Engine) handleRole(cmd *command, caller uuid.UUID, name string, account uuid.UUID, grant bool) error {
	if err := e.access.Require(access.RoleAdmin, caller); err != nil {
		return err
	}
	role, err := access.ParseRole(name)
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrInvalidCommand, err)
	}
	if account == uuid.Nil {
		return fmt.Errorf("%w: account is required", event.ErrInvalidCommand)
	}
	cmd.tx.OnCommit(func() {
		if grant {
			e.access.Grant(role, account)
		} else {
			e.access.Revoke(role, account)
		}
	})
	return nil
}
