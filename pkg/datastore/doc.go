/*
Package datastore implements the reactive key-value store behind every analysis.

A Store is a service object owning all domains of a server process. A domain is
a namespace string: each session owns an instance-scoped domain named after its
id, and all sessions of one analysis share a class-scoped domain named after
the analysis.

Values are kept as their JSON encoding. A write whose encoding equals the stored
one is a no-op and notifies nobody; otherwise every subscriber of the domain is
called with the key and the decoded value. Subscribers belong to the domain,
not to the handle that registered them, so two handles opened on the same
domain see each other's writes.

Domains are reference counted through Open and Datastore.Close. When the last
handle of a domain closes, the domain can be freed immediately, after a delay
or never (the default), see WithReleaseAfter.
*/
package datastore
