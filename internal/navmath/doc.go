// Package navmath holds the attitude and vector helpers shared by the
// navigation filter, the GSF yaw estimator and the compass calibrator.
//
// Conventions: NED earth frame, FRD body frame. A Quat rotates body-frame
// vectors into the NED frame, so v_ned = q.DCM().MulVec(v_body).
package navmath
