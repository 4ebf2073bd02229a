/*
Package log provides structured logging for warrendb using zerolog.

All core packages (txnid, pagecache, walog, recovery, recordstore,
version, lockmgr, bptree, engine) log through child loggers tagged with a
component name, transaction id, page number, or record uid rather than
the bare global logger, so a JSON log stream can be filtered by those
fields.

Initializing:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

Component loggers:

	pcLog := log.WithComponent("pagecache")
	pcLog.Debug().Uint32("page_no", pg).Msg("page faulted in")

	txLog := log.WithTxnID(xid)
	txLog.Info().Msg("transaction committed")
*/
package log
