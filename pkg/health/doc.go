// Package health implements the readiness checkers the lifecycle manager
// polls after a restart. Readiness combines two independent signals: the
// managed process logged its started marker (LogMarkerChecker) and the
// configured port accepts connections (TCPChecker). Both must hold before
// the endpoint is declared healthy.
package health
