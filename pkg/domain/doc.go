/*
Package domain holds the vocabulary shared by every layer of databench.

It defines the envelope exchanged with the browser, the actions dispatched into
an analysis, the reserved signal and key names of the wire protocol, the
lifecycle hooks used for observability, and the sentinel errors.
It has no dependencies on transports or storage.
*/
package domain
