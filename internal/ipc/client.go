package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to a running signer.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(serviceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the signer process to exit.
func (c *Client) Stop() (*StopResponse, error) {
	return call[StopResponse](c, "Stop", StopRequest{})
}

// Status retrieves the signer status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// Prompts lists password prompts waiting for the operator.
func (c *Client) Prompts() (*PromptsResponse, error) {
	return call[PromptsResponse](c, "Prompts", PromptsRequest{})
}

// Password answers or declines the prompt for a wallet.
func (c *Client) Password(req PasswordRequest) (*PasswordResponse, error) {
	return call[PasswordResponse](c, "Password", req)
}

// AutoSign toggles unattended signing.
func (c *Client) AutoSign(req AutoSignRequest) (*AutoSignResponse, error) {
	return call[AutoSignResponse](c, "AutoSign", req)
}

// Wallets lists root wallets.
func (c *Client) Wallets() (*WalletsResponse, error) {
	return call[WalletsResponse](c, "Wallets", WalletsRequest{})
}

// CreateWallet adds a root wallet to the running signer.
func (c *Client) CreateWallet(req CreateWalletRequest) (*CreateWalletResponse, error) {
	return call[CreateWalletResponse](c, "CreateWallet", req)
}
