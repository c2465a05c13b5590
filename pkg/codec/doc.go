/*
Package codec implements the wire formats of databench.

Two formats exist. The envelope format is the JSON object exchanged with the
browser over the WebSocket ({"signal": ..., "load": ...} plus the "__connect"
request). The frame format is what travels over the kernel pub/sub sockets:
"<session-id>|<json>", where the JSON body is either an envelope or one of the
reserved handshake objects.

Non-finite floats are not valid JSON. Before anything leaves the process the
payload is passed through Sanitize, which maps NaN to "NaN", +Inf to "inf" and
-Inf to "-inf".
*/
package codec
