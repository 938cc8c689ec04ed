// Package main hosts the rendering worker spawned by feedspider when
// engine.kind is "worker".
//
// Architecture overview:
//   - Transport: the worker reads newline-delimited JSON frames on stdin and
//     writes replies and notifications on stdout (internal/ipc.Stream). Logs go
//     to stderr so they never corrupt the protocol.
//   - Rendering: each scrape request opens a Chrome tab through chromedp,
//     applies the request headers and user agent, navigates, waits for the body
//     and evaluates the job's extraction script. Tabs share one browser and are
//     bounded by --max-parallel.
//   - Page events: console messages, dialogs and uncaught exceptions are
//     forwarded as notifications; navigations away from the page are put to the
//     spider as questions and followed only when it agrees.
//
// Operational notes:
//   - The worker exits when stdin closes or on SIGINT/SIGTERM. Scrapes in
//     progress are abandoned and their tabs closed.
//   - There is no supervision: a crashed worker fails the spider run with an
//     engine-lost error.
package main
