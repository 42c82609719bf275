package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/catalogfi/resolver/pkg/rpc"
	"github.com/ethereum/go-ethereum/common"
)

type Client interface {
	SubmitOrder(req rpc.RequestSubmitOrder) (rpc.ResponseSubmitOrder, error)
	RevealSecret(orderHash common.Hash, leafIndex int, secret []byte) error
	GetOrder(orderHash common.Hash) (rpc.OrderInfo, error)
	ListOrders(req rpc.RequestListOrders) ([]rpc.OrderInfo, error)
}

type client struct {
	user   string
	pass   string
	url    string
	http   *http.Client
	nextID uint64
}

// NewClient returns a client of the server at url, the credentials are sent with basic auth when not empty.
func NewClient(user, pass, url string) Client {
	return &client{
		user: user,
		pass: pass,
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// SendPostRequest sends the JSON-RPC call using HTTP-POST and decodes the result into result. A JSON-RPC error is
// returned as a *rpc.Error.
func (c *client) SendPostRequest(method string, params interface{}, result interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	payload, err := json.Marshal(rpc.Request{
		Version: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpRequest, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.pass != "" {
		httpRequest.SetBasicAuth(c.user, c.pass)
	}

	httpResponse, err := c.http.Do(httpRequest)
	if err != nil {
		return err
	}
	respBytes, err := io.ReadAll(httpResponse.Body)
	httpResponse.Body.Close()
	if err != nil {
		return fmt.Errorf("error reading json reply: %w", err)
	}

	var resp rpc.Response
	if err := json.Unmarshal(respBytes, &resp); err != nil || (resp.Error == nil && resp.Result == nil) {
		if len(respBytes) == 0 {
			return fmt.Errorf("%d %s", httpResponse.StatusCode, http.StatusText(httpResponse.StatusCode))
		}
		return fmt.Errorf("%d %s", httpResponse.StatusCode, respBytes)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (c *client) SubmitOrder(req rpc.RequestSubmitOrder) (rpc.ResponseSubmitOrder, error) {
	var resp rpc.ResponseSubmitOrder
	if err := c.SendPostRequest("submitOrder", req, &resp); err != nil {
		return rpc.ResponseSubmitOrder{}, err
	}
	return resp, nil
}

func (c *client) RevealSecret(orderHash common.Hash, leafIndex int, secret []byte) error {
	return c.SendPostRequest("revealSecret", rpc.RequestRevealSecret{
		OrderHash: orderHash,
		LeafIndex: leafIndex,
		Secret:    secret,
	}, nil)
}

func (c *client) GetOrder(orderHash common.Hash) (rpc.OrderInfo, error) {
	var info rpc.OrderInfo
	if err := c.SendPostRequest("getOrder", rpc.RequestGetOrder{OrderHash: orderHash}, &info); err != nil {
		return rpc.OrderInfo{}, err
	}
	return info, nil
}

func (c *client) ListOrders(req rpc.RequestListOrders) ([]rpc.OrderInfo, error) {
	var infos []rpc.OrderInfo
	if err := c.SendPostRequest("listOrders", req, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}
