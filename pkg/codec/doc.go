/*
Package codec defines the RES protocol wire types: the incoming request
payload, the reply envelopes (result, resource, error), and the payloads of
all resource events. It also provides the Ref resource reference type and
the DeleteAction change event sentinel.
*/
package codec
