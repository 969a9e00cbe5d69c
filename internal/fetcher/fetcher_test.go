package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestLendingPoolMissingConfig(t *testing.T) {
	src := NewLendingPool(LendingPoolOptions{}, noopLogger())
	if _, err := src.FetchRate(context.Background()); err == nil {
		t.Fatal("未配置 RPC 时应报错")
	}

	src = NewLendingPool(LendingPoolOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := src.FetchRate(context.Background()); err == nil {
		t.Fatal("缺少合约地址应报错")
	}

	src = NewLendingPool(LendingPoolOptions{RPCURL: "http://localhost", DataProviderAddress: "nope", AssetAddress: "0x1"}, noopLogger())
	if _, err := src.FetchRate(context.Background()); err == nil {
		t.Fatal("非法地址应报错")
	}
}

func TestDecodeLiquidityRate(t *testing.T) {
	outputs := reserveDataABI.Methods[reserveDataMethod].Outputs
	values := make([]interface{}, len(outputs))
	for i := range values {
		values[i] = big.NewInt(int64(i))
	}
	ray, _ := new(big.Int).SetString("35000000000000000000000000", 10)
	values[liquidityRateIndex] = ray

	packed, err := outputs.Pack(values...)
	if err != nil {
		t.Fatalf("打包测试数据失败: %v", err)
	}

	rate, err := decodeLiquidityRate(packed)
	if err != nil {
		t.Fatalf("解码不应报错: %v", err)
	}
	if rate.Dec() != "35000000000000000000000000" {
		t.Fatalf("liquidityRate 解码不正确: %s", rate.Dec())
	}

	values[liquidityRateIndex] = big.NewInt(0)
	packed, _ = outputs.Pack(values...)
	if _, err := decodeLiquidityRate(packed); !errors.Is(err, ErrEmptyRate) {
		t.Fatalf("零利率应返回 ErrEmptyRate, 实际 %v", err)
	}
}

func TestHTTPFeedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test" {
			t.Errorf("User-Agent 应透传, 实际 %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rate":     "42000000000000000000000000",
			"sequence": 1234,
		})
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{URL: srv.URL, Timeout: time.Second, UserAgent: "test"}, noopLogger())
	reading, err := feed.FetchRate(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if reading.Rate.Dec() != "42000000000000000000000000" || reading.Seq != 1234 {
		t.Fatalf("读数不正确: rate=%s seq=%d", reading.Rate.Dec(), reading.Seq)
	}
}

func TestHTTPFeedBlockFallbackAndNumericRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": 1200, "block": 77}`))
	}))
	defer srv.Close()

	feed := NewHTTPFeed(HTTPOptions{URL: srv.URL}, noopLogger())
	reading, err := feed.FetchRate(context.Background())
	if err != nil {
		t.Fatalf("数字 rate 应能解析: %v", err)
	}
	if reading.Rate.Uint64() != 1200 || reading.Seq != 77 {
		t.Fatalf("应回退到 block 作为序号: %+v", reading)
	}
}

func TestHTTPFeedErrors(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"http 500":    {status: http.StatusInternalServerError, body: `{"error":"boom"}`},
		"zero rate":   {status: http.StatusOK, body: `{"rate":"0","sequence":1}`},
		"no sequence": {status: http.StatusOK, body: `{"rate":"10"}`},
		"bad json":    {status: http.StatusOK, body: `not json`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			feed := NewHTTPFeed(HTTPOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
			if _, err := feed.FetchRate(context.Background()); err == nil {
				t.Fatalf("%s 应返回错误", name)
			}
		})
	}

	if _, err := NewHTTPFeed(HTTPOptions{}, noopLogger()).FetchRate(context.Background()); err == nil {
		t.Fatal("未配置 URL 应报错")
	}
}

func TestParseStreamEntry(t *testing.T) {
	reading, err := parseStreamEntry(map[string]interface{}{"rate": "0x10", "seq": "9"})
	if err != nil {
		t.Fatalf("解析 stream entry 失败: %v", err)
	}
	if reading.Rate.Uint64() != 16 || reading.Seq != 9 {
		t.Fatalf("读数不正确: %+v", reading)
	}

	bad := []map[string]interface{}{
		{"seq": "1"},
		{"rate": "5"},
		{"rate": "5", "seq": "x"},
		{"rate": "-5", "seq": "1"},
	}
	for _, values := range bad {
		if _, err := parseStreamEntry(values); err == nil {
			t.Fatalf("非法 entry 应报错: %v", values)
		}
	}
}

func TestParseRateOverflow(t *testing.T) {
	huge := "0x1" + "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := parseRate(huge); err == nil {
		t.Fatal("超过 256 位应报错")
	}
}
