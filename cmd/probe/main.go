package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"grid_bot/internal/exchange"
	"grid_bot/internal/modules/config"
)

// Смоук-проверка связности с биржей: тянет контракт и стакан по каждому
// символу из конфига. Удобно гонять перед выкаткой бота на новый аккаунт.
func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: config: %v\n", err)
		os.Exit(1)
	}

	cli := exchange.NewClient(cfg.Exchange.RESTURL, cfg.Exchange.WSURL)
	creds := exchange.Credentials{APIKey: cfg.Exchange.APIKey, APISecret: cfg.Exchange.APISecret}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	failed := 0
	for _, sc := range cfg.Symbols {
		mi, err := cli.GetMarketInfo(ctx, sc.Symbol, creds)
		if err != nil {
			fmt.Printf("%-14s contract: FAIL (%v)\n", sc.Symbol, err)
			failed++
			continue
		}
		depth, err := cli.GetDepth(ctx, sc.Symbol)
		if err != nil {
			fmt.Printf("%-14s depth: FAIL (%v)\n", sc.Symbol, err)
			failed++
			continue
		}
		fmt.Printf("%-14s ok: tick=%.*f minQty=%g bid=%.8f ask=%.8f\n",
			sc.Symbol, mi.PriceDecimals, mi.PriceStep(), mi.MinQty,
			depth.BestBid(), depth.BestAsk())
	}

	if failed > 0 {
		os.Exit(1)
	}
}
