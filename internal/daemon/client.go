// Package daemon implements a client for the Monero daemon's JSON-RPC
// interface. Only the calls the scanner needs are exposed, and the node is
// trusted for block contents.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

const (
	// DefaultRPCTimeout bounds a whole RPC call.
	DefaultRPCTimeout = 30 * time.Second
	// DefaultConnectionTimeout bounds connection establishment.
	DefaultConnectionTimeout = 20 * time.Second

	// maxRequestedTransactions is the largest batch a restricted RPC node
	// will serve from get_transactions.
	maxRequestedTransactions = 100
)

// Login carries credentials for daemons started with --rpc-login.
type Login struct {
	Username string
	Password string
}

// Client talks to a single monerod instance over HTTP(S).
type Client struct {
	logger     *logger.Logger
	httpClient *http.Client
	url        string
	timeout    time.Duration
	auth       *digestAuth
}

// NewClient returns a daemon client for the given URL. login may be nil.
func NewClient(url string, login *Login, rpcTimeout, connectionTimeout time.Duration, log *logger.Logger) *Client {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	if connectionTimeout <= 0 {
		connectionTimeout = DefaultConnectionTimeout
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectionTimeout,
			KeepAlive: 25 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: connectionTimeout,
	}
	var auth *digestAuth
	if login != nil {
		auth = newDigestAuth(login.Username, login.Password)
	}
	return &Client{
		logger:     log,
		httpClient: &http.Client{Transport: transport},
		url:        url,
		timeout:    rpcTimeout,
		auth:       auth,
	}
}

// URL returns the configured daemon URL.
func (c *Client) URL() string {
	return c.url
}

// DaemonHeight returns the blockchain height (block count).
func (c *Client) DaemonHeight(ctx context.Context) (uint64, error) {
	body := `{"jsonrpc":"2.0","id":"0","method":"get_block_count"}`
	res, err := c.request(ctx, "/json_rpc", body)
	if err != nil {
		return 0, err
	}
	var decoded struct {
		Result struct {
			Count uint64 `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(res, &decoded); err != nil {
		return 0, fmt.Errorf("failed to decode get_block_count response: %w", err)
	}
	if decoded.Result.Count == 0 {
		return 0, fmt.Errorf("get_block_count response is missing the block count")
	}
	return decoded.Result.Count, nil
}

// Block fetches the block at the given height.
func (c *Client) Block(ctx context.Context, height uint64) (models.Block, error) {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":"0","method":"get_block","params":{"height":%d}}`, height)
	res, err := c.request(ctx, "/json_rpc", body)
	if err != nil {
		return models.Block{}, err
	}

	var decoded struct {
		Result struct {
			BlockHeader struct {
				Hash     string `json:"hash"`
				PrevHash string `json:"prev_hash"`
				Height   uint64 `json:"height"`
			} `json:"block_header"`
			JSON string `json:"json"`
		} `json:"result"`
	}
	if err := json.Unmarshal(res, &decoded); err != nil {
		return models.Block{}, fmt.Errorf("failed to decode get_block response: %w", err)
	}

	hash, err := models.ParseHash(decoded.Result.BlockHeader.Hash)
	if err != nil {
		return models.Block{}, fmt.Errorf("block hash: %w", err)
	}
	prevHash, err := models.ParseHash(decoded.Result.BlockHeader.PrevHash)
	if err != nil {
		return models.Block{}, fmt.Errorf("block prev_hash: %w", err)
	}

	var blockBody blockJSON
	if err := json.Unmarshal([]byte(decoded.Result.JSON), &blockBody); err != nil {
		return models.Block{}, fmt.Errorf("failed to decode block body: %w", err)
	}

	block := models.Block{
		Hash:     hash,
		PrevHash: prevHash,
		Height:   decoded.Result.BlockHeader.Height,
	}
	for _, hashStr := range blockBody.TxHashes {
		txHash, err := models.ParseHash(hashStr)
		if err != nil {
			return models.Block{}, fmt.Errorf("block transaction hash: %w", err)
		}
		block.TxHashes = append(block.TxHashes, txHash)
	}
	if len(blockBody.MinerTx) > 0 {
		minerTx, err := parseTransaction(models.Hash{}, blockBody.MinerTx)
		if err != nil {
			return models.Block{}, fmt.Errorf("failed to parse miner transaction: %w", err)
		}
		block.MinerTx = &minerTx
	}
	return block, nil
}

// BlockTransactions fetches all of a block's transactions, coinbase included.
func (c *Client) BlockTransactions(ctx context.Context, block models.Block) ([]models.Transaction, error) {
	transactions, err := c.TransactionsByHashes(ctx, block.TxHashes)
	if err != nil {
		return nil, err
	}
	if block.MinerTx != nil {
		transactions = append(transactions, *block.MinerTx)
	}
	return transactions, nil
}

// TxpoolHashes returns the hashes of all transactions in the txpool.
func (c *Client) TxpoolHashes(ctx context.Context) ([]models.Hash, error) {
	res, err := c.request(ctx, "/get_transaction_pool_hashes", "")
	if err != nil {
		return nil, err
	}
	var decoded struct {
		TxHashes []string `json:"tx_hashes"`
	}
	if err := json.Unmarshal(res, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode txpool hashes response: %w", err)
	}
	hashes := make([]models.Hash, 0, len(decoded.TxHashes))
	for _, hashStr := range decoded.TxHashes {
		hash, err := models.ParseHash(hashStr)
		if err != nil {
			return nil, fmt.Errorf("txpool transaction hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// TransactionsByHashes fetches parsed transactions in batches of at most 100,
// the restricted RPC maximum.
func (c *Client) TransactionsByHashes(ctx context.Context, hashes []models.Hash) ([]models.Transaction, error) {
	var transactions []models.Transaction
	for start := 0; start < len(hashes); start += maxRequestedTransactions {
		end := start + maxRequestedTransactions
		if end > len(hashes) {
			end = len(hashes)
		}
		batch, err := c.transactionsBatch(ctx, hashes[start:end])
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, batch...)
	}
	return transactions, nil
}

func (c *Client) transactionsBatch(ctx context.Context, hashes []models.Hash) ([]models.Transaction, error) {
	hexHashes := make([]string, len(hashes))
	for i, hash := range hashes {
		hexHashes[i] = hash.Hex()
	}
	body, err := json.Marshal(map[string]interface{}{
		"txs_hashes":     hexHashes,
		"decode_as_json": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode get_transactions request: %w", err)
	}

	res, err := c.request(ctx, "/get_transactions", string(body))
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Txs []struct {
			TxHash string `json:"tx_hash"`
			AsJSON string `json:"as_json"`
		} `json:"txs"`
	}
	if err := json.Unmarshal(res, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode get_transactions response: %w", err)
	}
	if len(decoded.Txs) != len(hashes) {
		c.logger.Warnf("received %d transactions, requested %d", len(decoded.Txs), len(hashes))
	}

	transactions := make([]models.Transaction, 0, len(decoded.Txs))
	for _, entry := range decoded.Txs {
		hash, err := models.ParseHash(entry.TxHash)
		if err != nil {
			return nil, fmt.Errorf("transaction hash: %w", err)
		}
		tx, err := parseTransaction(hash, []byte(entry.AsJSON))
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction %s: %w", hash, err)
		}
		transactions = append(transactions, tx)
	}
	return transactions, nil
}

func (c *Client) request(ctx context.Context, endpoint, body string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.do(ctx, endpoint, body, "")
	if err != nil {
		return nil, err
	}

	// Daemons started with --rpc-login answer with a digest challenge.
	if res.StatusCode == http.StatusUnauthorized && res.Header.Get("WWW-Authenticate") != "" {
		challenge := res.Header.Get("WWW-Authenticate")
		drain(res)
		if c.auth == nil {
			return nil, fmt.Errorf("daemon requires authentication but no login is configured")
		}
		header, err := c.auth.authorize(challenge, http.MethodPost, endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to answer digest challenge: %w", err)
		}
		res, err = c.do(ctx, endpoint, body, header)
		if err != nil {
			return nil, err
		}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned status %d for %s", res.StatusCode, endpoint)
	}
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon response: %w", err)
	}
	return payload, nil
}

func (c *Client) do(ctx context.Context, endpoint, body, authHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+endpoint, bytes.NewBufferString(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build daemon request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader == "" && c.auth != nil {
		// Reuse the most recent challenge to avoid a round trip.
		if header, ok := c.auth.reuse(http.MethodPost, endpoint); ok {
			authHeader = header
		}
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon request failed: %w", err)
	}
	return res, nil
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
