package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestMetricsServer(t *testing.T) {
	RegisterEscrowGauge(func() float64 { return 42 })

	l := Start("127.0.0.1:0", nil)
	defer l.Close()
	addr := l.Addr()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr.String()))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatal("req to metrics should succeed.")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "exchange_escrow_held 42") {
		t.Fatal("escrow gauge not exported")
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/debug/gc", addr.String()))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatal("req to gc should succeed.")
	}
	_ = resp.Body.Close()
}
