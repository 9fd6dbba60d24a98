/*
Package reserr defines the RES protocol error type and the pre-defined
system errors sent in error replies.
*/
package reserr
