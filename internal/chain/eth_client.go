package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"guardianrails/internal/contracts"
	"guardianrails/internal/guardian"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultRPCRateLimit = 10
)

// EthClient submits relationship actions to the GuardianRegistry contract and
// polls receipts for them.
type EthClient struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
	limiter   *rate.Limiter
	pollEvery time.Duration
	logger    zerolog.Logger
}

type EthClientConfig struct {
	RPCURL                   string
	PrivateKeyHex            string
	ContractGuardianRegistry string
	PollInterval             time.Duration
	// RPCRateLimit caps receipt polling across all watches, in calls per second.
	RPCRateLimit float64
	Logger       zerolog.Logger
}

// contractCall binds an action to the registry method and the counterparty
// argument it takes. The signer is always the acting party.
type contractCall struct {
	method string
	arg    func(guardian.RecordKey) common.Address
}

func recipientArg(k guardian.RecordKey) common.Address { return k.Recipient }
func guardianArg(k guardian.RecordKey) common.Address  { return k.Guardian }

var contractCalls = map[guardian.Action]contractCall{
	guardian.ActionAccept:  {method: "acceptGuardianRole", arg: recipientArg},
	guardian.ActionDecline: {method: "declineGuardianRole", arg: recipientArg},
	guardian.ActionCancel:  {method: "cancelGuardianProposal", arg: guardianArg},
	guardian.ActionRemove:  {method: "removeGuardian", arg: guardianArg},
	guardian.ActionLeave:   {method: "leaveGuardianRole", arg: recipientArg},
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractGuardianRegistry) {
		return nil, fmt.Errorf("guardian registry address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting actions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.GuardianRegistryABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractGuardianRegistry)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		cli.Close()
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = defaultPollInterval
	}
	limit := cfg.RPCRateLimit
	if limit <= 0 {
		limit = defaultRPCRateLimit
	}

	return &EthClient{
		client:    cli,
		contract:  bound,
		address:   address,
		chainID:   chainID,
		transacts: txOpts,
		limiter:   rate.NewLimiter(rate.Limit(limit), 1),
		pollEvery: pollEvery,
		logger:    cfg.Logger.With().Str("component", "eth-client").Logger(),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Signer is the address the client signs as.
func (c *EthClient) Signer() common.Address {
	return c.transacts.From
}

func (c *EthClient) Submit(ctx context.Context, action guardian.Action, key guardian.RecordKey) (string, error) {
	call, ok := contractCalls[action]
	if !ok {
		return "", Terminal(action, fmt.Errorf("no contract method for action %q", action))
	}

	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, call.method, call.arg(key))
	if err != nil {
		return "", ClassifySubmitError(action, fmt.Errorf("%s tx: %w", call.method, err))
	}

	c.logger.Debug().
		Str("method", call.method).
		Str("record", key.String()).
		Str("tx_hash", tx.Hash().Hex()).
		Msg("transaction broadcast")
	return tx.Hash().Hex(), nil
}

// Watch polls for the receipt of txID until it is mined or ctx is done.
// Poll errors are logged and retried; a missing receipt is reported as
// pending.
func (c *EthClient) Watch(ctx context.Context, txID string) <-chan Receipt {
	out := make(chan Receipt, 1)
	go func() {
		defer close(out)

		hash := common.HexToHash(txID)
		ticker := time.NewTicker(c.pollEvery)
		defer ticker.Stop()

		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if receipt != nil {
				select {
				case out <- receiptFromChain(txID, receipt):
				case <-ctx.Done():
				}
				return
			}
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn().Err(err).Str("tx_hash", txID).Msg("receipt poll failed")
			}

			// Pending updates are informational; drop them if the reader lags.
			select {
			case out <- Receipt{TxID: txID, Status: ReceiptPending}:
			default:
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func receiptFromChain(txID string, r *types.Receipt) Receipt {
	status := ReceiptFailed
	if r.Status == types.ReceiptStatusSuccessful {
		status = ReceiptConfirmed
	}
	var block uint64
	if r.BlockNumber != nil {
		block = r.BlockNumber.Uint64()
	}
	return Receipt{TxID: txID, Status: status, BlockNumber: block}
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
