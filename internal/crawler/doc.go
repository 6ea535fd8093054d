// Package crawler holds the data model and the collaborator contracts shared by
// the tab pool, the completion registry, the job runner and the batch
// orchestrator, plus the browser, sink and collector implementations that plug
// into them.
package crawler
