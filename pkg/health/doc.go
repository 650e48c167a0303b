/*
Package health tracks node liveness for the broker and renders the health
string returned to STATUS requests.

A node is ok when it was heard from within the threshold (20s by default),
not seen when it never reported, and unresponsive otherwise. The report
lists configured nodes in ascending id order:

	All nodes healthy. 1: ok;2: ok;
	1: ok;2: not seen;
	1: ok;2: unresponsive, last seen at 2026-03-01T11:59:39Z;

Without a node list the report starts with "node list is missing; " and
lists whatever nodes have been seen. Report returns ErrUnresponsive
alongside the string when any configured node is unresponsive.
*/
package health
