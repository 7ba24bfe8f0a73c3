// Package accounting wires the token balance engine together: the
// optimistic spend path, on-demand and scheduled refills, deduplicated
// budget alerts, and the append-only transaction ledger.
//
// The Manager is the single entry point. It owns the detached-task
// queue that keeps alert work off the spend path, the cron sweeper that
// drives scheduled refills, and the Prometheus metrics for all of it.
//
// # Example
//
//	manager, err := accounting.NewManager(accounting.ManagerConfig{
//		Store:   store,
//		TxStore: txStore,
//		Pricing: pricingTable,
//		Sink:    notificationSink,
//	})
//	if err != nil {
//		return err
//	}
//	defer manager.Close(ctx)
//
//	receipt, err := manager.Spend(ctx, &spend.Request{
//		User:      "user-1",
//		Endpoint:  "chat",
//		TokenType: ledger.TokenTypePrompt,
//		RawAmount: 1200,
//		Model:     "gpt-4o",
//	})
package accounting
